package types

import (
	"errors"
	"fmt"
	"time"
)

// Status is the pipeline state of a posting. Only the seven values below exist;
// ParseStatus rejects anything else at the store boundary.
type Status string

const (
	StatusPending           Status = "pending"
	StatusGeneratingScript  Status = "generating_script"
	StatusGeneratingVideo   Status = "generating_video"
	StatusUploadingStorage  Status = "uploading_storage"
	StatusUploadingPlatform Status = "uploading_platform"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// ErrUnknownStatus is returned by ParseStatus for values outside the seven states.
var ErrUnknownStatus = errors.New("unknown processing status")

// Pipeline lists the non-failed states in execution order.
var Pipeline = []Status{
	StatusPending,
	StatusGeneratingScript,
	StatusGeneratingVideo,
	StatusUploadingStorage,
	StatusUploadingPlatform,
	StatusCompleted,
}

// ParseStatus converts a stored processing_status value into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusGeneratingScript, StatusGeneratingVideo, StatusUploadingStorage,
		StatusUploadingPlatform, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// InFlight reports whether s is one of the four step states.
func (s Status) InFlight() bool {
	switch s {
	case StatusGeneratingScript, StatusGeneratingVideo, StatusUploadingStorage, StatusUploadingPlatform:
		return true
	}
	return false
}

// Next returns the successor of s in the pipeline, or "" for terminal states.
func (s Status) Next() Status {
	for i, st := range Pipeline {
		if st == s && i+1 < len(Pipeline) {
			return Pipeline[i+1]
		}
	}
	return ""
}

// CanTransition encodes the allowed moves: one step forward, any non-terminal
// state to failed, and the manual failed → pending reset. A same-state write
// is allowed for non-terminal states so a resumer can re-claim its step.
func CanTransition(from, to Status) bool {
	switch {
	case from == StatusFailed:
		return to == StatusPending
	case from == StatusCompleted:
		return false
	case to == StatusFailed:
		return true
	case from == to:
		return true
	default:
		return from.Next() == to
	}
}

// Posting is one content record. Nil pointer fields are NULL in the store.
type Posting struct {
	ID              int64     `json:"id"`
	Title           string    `json:"title"`
	Body            string    `json:"body"`
	Status          Status    `json:"processing_status"`
	ScriptText      *string   `json:"script_text,omitempty"`
	HeygenVideoID   *string   `json:"heygen_video_id,omitempty"`
	S3VideoURL      *string   `json:"s3_video_url,omitempty"`
	YouTubeVideoID  *string   `json:"youtube_video_id,omitempty"`
	YouTubeEmbedURL *string   `json:"youtube_embed_url,omitempty"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ResultFields is a partial update of produced artifacts; nil leaves the column untouched.
type ResultFields struct {
	ScriptText      *string
	HeygenVideoID   *string
	S3VideoURL      *string
	YouTubeVideoID  *string
	YouTubeEmbedURL *string
}

// Empty reports whether no field is set.
func (r ResultFields) Empty() bool {
	return r.ScriptText == nil && r.HeygenVideoID == nil && r.S3VideoURL == nil &&
		r.YouTubeVideoID == nil && r.YouTubeEmbedURL == nil
}

// Apply copies the non-nil fields onto p.
func (r ResultFields) Apply(p *Posting) {
	if r.ScriptText != nil {
		p.ScriptText = r.ScriptText
	}
	if r.HeygenVideoID != nil {
		p.HeygenVideoID = r.HeygenVideoID
	}
	if r.S3VideoURL != nil {
		p.S3VideoURL = r.S3VideoURL
	}
	if r.YouTubeVideoID != nil {
		p.YouTubeVideoID = r.YouTubeVideoID
	}
	if r.YouTubeEmbedURL != nil {
		p.YouTubeEmbedURL = r.YouTubeEmbedURL
	}
}

// Summary is what every dispatched action returns.
type Summary struct {
	Action    string          `json:"action"`
	RunID     string          `json:"run_id"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Skipped   int             `json:"skipped"`
	Errors    []string        `json:"errors,omitempty"`
	Health    map[string]bool `json:"health,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func Ptr[T any](v T) *T { return &v }

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
