package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// Artifact is a video persisted under its final key. StagingKey is the
// temporary object it was uploaded to; Cleanup removes it.
type Artifact struct {
	Key        string
	StagingKey string
	URL        string
	Size       int64
}

// Transfer moves rendered videos from the generation service into S3.
// Bytes are streamed; nothing is buffered in memory or on disk.
type Transfer struct {
	cfg        config.StorageConfig
	s3         s3iface.S3API
	uploader   s3manageriface.UploaderAPI
	httpClient *http.Client
	newID      func() string
	log        zerolog.Logger
}

// NewSession builds an AWS session for region. A non-empty endpoint points
// the S3 and DynamoDB clients at a compatible service.
func NewSession(region, endpoint string) (*session.Session, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return sess, nil
}

// New creates a new Transfer on sess with a multipart uploader.
func New(cfg config.StorageConfig, sess *session.Session, log zerolog.Logger) *Transfer {
	svc := s3.New(sess)
	uploader := s3manager.NewUploaderWithClient(svc, func(u *s3manager.Uploader) {
		u.PartSize = cfg.PartSizeMB * 1024 * 1024
	})
	return NewWithClients(cfg, svc, uploader, log)
}

// NewWithClients wires explicit S3 clients.
func NewWithClients(cfg config.StorageConfig, svc s3iface.S3API, uploader s3manageriface.UploaderAPI, log zerolog.Logger) *Transfer {
	return &Transfer{
		cfg:        cfg,
		s3:         svc,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration()},
		newID:      uuid.NewString,
		log:        logging.Stage(log, "storage"),
	}
}

// Key is the final object key for name.
func (t *Transfer) Key(name string) string { return t.cfg.KeyPrefix + name }

// PublicURL is the virtual-hosted URL of key.
func (t *Transfer) PublicURL(key string) string {
	if t.cfg.Endpoint != "" {
		return strings.TrimRight(t.cfg.Endpoint, "/") + "/" + t.cfg.Bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", t.cfg.Bucket, t.cfg.Region, key)
}

// FetchAndStore downloads downloadURL and stores it as Key(name). The body goes
// to a fresh staging key first and is copied to the final key only when the
// byte count matches, so a reader never sees a partial object. A Transfer
// failure is retried once with a new staging key.
func (t *Transfer) FetchAndStore(ctx context.Context, downloadURL, name string) (*Artifact, error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var a *Artifact
		a, err = t.fetchAndStore(ctx, downloadURL, name)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil || !types.IsKind(err, types.KindTransfer) {
			return nil, err
		}
		t.log.Warn().Err(err).Str("name", name).Int("attempt", attempt).Msg("transfer failed")
	}
	return nil, err
}

func (t *Transfer) fetchAndStore(ctx context.Context, downloadURL, name string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, types.TransferError("bad download url: %v", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, types.TransferError("download: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.TransferError("download: status %d", resp.StatusCode)
	}

	staging := t.cfg.StagingPrefix + t.newID() + "-" + name
	body := &countingReader{r: resp.Body}
	_, err = t.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(t.cfg.Bucket),
		Key:         aws.String(staging),
		Body:        body,
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		t.discard(ctx, staging)
		return nil, types.TransferError("upload %s: %v", staging, err)
	}
	if body.n == 0 || (resp.ContentLength >= 0 && body.n != resp.ContentLength) {
		t.discard(ctx, staging)
		return nil, types.TransferError("incomplete download: got %d of %d bytes", body.n, resp.ContentLength)
	}

	key := t.Key(name)
	_, err = t.s3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:      aws.String(t.cfg.Bucket),
		CopySource:  aws.String(copySource(t.cfg.Bucket, staging)),
		Key:         aws.String(key),
		ContentType: aws.String("video/mp4"),
	})
	if err != nil {
		t.discard(ctx, staging)
		return nil, types.TransferError("publish %s: %v", key, err)
	}

	a := &Artifact{Key: key, StagingKey: staging, URL: t.PublicURL(key), Size: body.n}
	t.log.Info().Str("key", key).Int64("bytes", a.Size).Msg("video stored")
	return a, nil
}

// Cleanup deletes the staging object of a.
func (t *Transfer) Cleanup(ctx context.Context, a *Artifact) error {
	if a == nil || a.StagingKey == "" {
		return nil
	}
	_, err := t.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(a.StagingKey),
	})
	if err != nil {
		return fmt.Errorf("delete staging %s: %w", a.StagingKey, err)
	}
	return nil
}

// Open streams the stored object for name. The caller closes the reader.
func (t *Transfer) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	out, err := t.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.cfg.Bucket),
		Key:    aws.String(t.Key(name)),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", t.Key(name), err)
	}
	return out.Body, aws.Int64Value(out.ContentLength), nil
}

// Ping checks the bucket is reachable with the current credentials.
func (t *Transfer) Ping(ctx context.Context) error {
	_, err := t.s3.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.cfg.Bucket)})
	return err
}

// discard removes a staging object after a failed attempt. It uses its own
// context so cancellation of ctx does not leave the object behind.
func (t *Transfer) discard(ctx context.Context, staging string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := t.Cleanup(dctx, &Artifact{StagingKey: staging}); err != nil {
		var aerr interface{ Code() string }
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return
		}
		t.log.Warn().Err(err).Str("key", staging).Msg("staging object not removed")
	}
}

func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
