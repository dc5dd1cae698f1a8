package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// Lister reads every posting, newest first.
type Lister interface {
	List(ctx context.Context) ([]types.Posting, error)
}

// Entry is one posting in the manifest the site generator reads.
type Entry struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	Status    types.Status `json:"status"`
	EmbedURL  string       `json:"embed_url,omitempty"`
	VideoURL  string       `json:"video_url,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	Postings    []Entry   `json:"postings"`
}

// Publisher writes the listing manifest to the site bucket.
type Publisher struct {
	cfg   config.ListingConfig
	store Lister
	s3    s3iface.S3API
	now   func() time.Time
	log   zerolog.Logger
}

// New creates a new listing Publisher.
func New(cfg config.ListingConfig, store Lister, svc s3iface.S3API, log zerolog.Logger) *Publisher {
	return &Publisher{cfg: cfg, store: store, s3: svc, now: time.Now, log: logging.Stage(log, "listing")}
}

// Sync rebuilds the manifest from the store and uploads it. It returns the
// number of postings listed.
func (p *Publisher) Sync(ctx context.Context) (int, error) {
	postings, err := p.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list postings: %w", err)
	}
	m := Manifest{GeneratedAt: p.now().UTC(), Postings: make([]Entry, 0, len(postings))}
	for _, ps := range postings {
		m.Postings = append(m.Postings, Entry{
			ID:        ps.ID,
			Title:     ps.Title,
			Status:    ps.Status,
			EmbedURL:  types.Deref(ps.YouTubeEmbedURL),
			VideoURL:  types.Deref(ps.S3VideoURL),
			UpdatedAt: ps.UpdatedAt.UTC(),
		})
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal manifest: %w", err)
	}

	_, err = p.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.cfg.Bucket),
		Key:           aws.String(p.cfg.Key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json; charset=utf-8"),
		CacheControl:  aws.String("no-cache"),
	})
	if err != nil {
		return 0, fmt.Errorf("upload manifest s3://%s/%s: %w", p.cfg.Bucket, p.cfg.Key, err)
	}
	p.log.Info().Int("postings", len(m.Postings)).Str("key", p.cfg.Key).Msg("listing manifest uploaded")
	return len(m.Postings), nil
}
