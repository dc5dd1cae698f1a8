package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// JobState is the remote render state of a submitted video job.
type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobCompleted
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	}
	return "unknown"
}

// JobStatus is one observation of a job. URL is set when Completed, Reason when Failed.
type JobStatus struct {
	State  JobState
	URL    string
	Reason string
}

// VoiceConfig selects the presenter and voice for one submission.
type VoiceConfig struct {
	AvatarID    string
	AvatarStyle string
	VoiceID     string
}

// Client talks to the HeyGen video generation API.
type Client struct {
	cfg        config.VideoConfig
	httpClient *http.Client
	sleep      func(context.Context, time.Duration) error
	log        zerolog.Logger
}

// New creates a new HeyGen Client.
func New(cfg config.VideoConfig, log zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep:      sleepCtx,
		log:        logging.Stage(log, "video"),
	}
}

// DefaultVoice returns the avatar and voice configured for the channel.
func (c *Client) DefaultVoice() VoiceConfig {
	return VoiceConfig{AvatarID: c.cfg.AvatarID, AvatarStyle: c.cfg.AvatarStyle, VoiceID: c.cfg.VoiceID}
}

type generateRequest struct {
	Caption     bool         `json:"caption"`
	Dimension   dimension    `json:"dimension"`
	VideoInputs []videoInput `json:"video_inputs"`
}

type dimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type videoInput struct {
	Character  character   `json:"character"`
	Voice      voice       `json:"voice"`
	Background *background `json:"background,omitempty"`
}

type character struct {
	Type        string `json:"type"`
	AvatarID    string `json:"avatar_id"`
	AvatarStyle string `json:"avatar_style"`
}

type voice struct {
	Type      string `json:"type"`
	VoiceID   string `json:"voice_id"`
	InputText string `json:"input_text"`
}

type background struct {
	Type         string `json:"type"`
	VideoAssetID string `json:"video_asset_id"`
	PlayStyle    string `json:"play_style"`
	Fit          string `json:"fit"`
}

type generateResponse struct {
	Error json.RawMessage `json:"error"`
	Data  struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

type statusResponse struct {
	Code int `json:"code"`
	Data struct {
		Status            string          `json:"status"`
		VideoURL          string          `json:"video_url"`
		VideoURLCaption   string          `json:"video_url_caption"`
		CaptionVideoURL   string          `json:"caption_video_url"`
		CaptionedVideoURL string          `json:"captioned_video_url"`
		Error             json.RawMessage `json:"error"`
	} `json:"data"`
	Message string `json:"message"`
}

// Submit starts a render job and returns its id. Non-2xx responses are retried
// with linear backoff. A request that fails after it was sent (timeout or a
// dropped connection) is not retried: the job may exist remotely but its id is unknown.
func (c *Client) Submit(ctx context.Context, script string, v VoiceConfig) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", types.UpstreamError("refusing to submit an empty script")
	}
	in := videoInput{
		Character: character{Type: "avatar", AvatarID: v.AvatarID, AvatarStyle: v.AvatarStyle},
		Voice:     voice{Type: "text", VoiceID: v.VoiceID, InputText: script},
	}
	if c.cfg.BackgroundID != "" {
		in.Background = &background{Type: "video", VideoAssetID: c.cfg.BackgroundID, PlayStyle: "loop", Fit: "cover"}
	}
	body, err := json.Marshal(generateRequest{
		Caption:     c.cfg.Caption,
		Dimension:   dimension{Width: c.cfg.Width, Height: c.cfg.Height},
		VideoInputs: []videoInput{in},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var out generateResponse
	err = c.do(ctx, http.MethodPost, "/v2/video/generate", body, &out)
	if err != nil {
		switch {
		case isTimeout(err):
			return "", types.UpstreamError("submission timed out: %v", err)
		case types.KindOf(err) == types.KindInternal:
			return "", types.UpstreamError("submission state unknown: %v", err)
		}
		return "", err
	}
	if out.Data.VideoID == "" {
		return "", types.UpstreamError("submission accepted without a video id: %s", errorText(out.Error))
	}
	c.log.Info().Str("job_id", out.Data.VideoID).Msg("video job submitted")
	return out.Data.VideoID, nil
}

// Poll reads the job state. It never changes the job.
func (c *Client) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/video_status.get?video_id="+url.QueryEscape(jobID), nil, &out); err != nil {
		return JobStatus{}, err
	}
	d := out.Data
	switch strings.ToLower(d.Status) {
	case "pending", "waiting":
		return JobStatus{State: JobPending}, nil
	case "processing":
		return JobStatus{State: JobRunning}, nil
	case "completed":
		u := d.VideoURL
		if c.cfg.Caption {
			u = firstNonEmpty(d.VideoURLCaption, d.CaptionVideoURL, d.CaptionedVideoURL, d.VideoURL)
		}
		if u == "" {
			return JobStatus{}, types.UpstreamError("job %s completed without a video url", jobID)
		}
		return JobStatus{State: JobCompleted, URL: u}, nil
	case "failed":
		reason := errorText(d.Error)
		if reason == "" {
			reason = "no reason given"
		}
		return JobStatus{State: JobFailed, Reason: reason}, nil
	default:
		// Unknown states are treated as still running; the poll budget bounds them.
		c.log.Warn().Str("job_id", jobID).Str("status", d.Status).Msg("unrecognised job status")
		return JobStatus{State: JobRunning}, nil
	}
}

// Ping checks that the API key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v2/user/remaining_quota", nil, nil)
}

// do sends one logical request, retrying non-2xx responses. Connection errors
// are retried for GET only. Timeouts, and any transport error on a POST, are
// returned immediately so callers can decide.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	attempts := max(c.cfg.MaxAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, respBytes, err := c.once(ctx, method, path, body)
		switch {
		case err != nil && (isTimeout(err) || ctx.Err() != nil || method != http.MethodGet):
			return err
		case err != nil:
			lastErr = err
		case status/100 != 2:
			lastErr = fmt.Errorf("%s %s: status %d: %s", method, path, status, truncate(string(respBytes), 200))
		default:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBytes, out); err != nil {
				return types.UpstreamError("parse %s response: %v", path, err)
			}
			return nil
		}
		if attempt == attempts {
			break
		}
		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("heygen request failed, retrying")
		if err := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryBackoff.Duration()); err != nil {
			return err
		}
	}
	return types.UpstreamError("%v", lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if d := c.cfg.RequestTimeout.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("X-Api-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBytes, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorText extracts a message from HeyGen's error field, which is either a
// string or an object with message/detail.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return strings.TrimSpace(obj.Message + " " + obj.Detail)
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
