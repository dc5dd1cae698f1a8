package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	video "posting-video-pipeline/02_video"
	storage "posting-video-pipeline/03_storage"
	publish "posting-video-pipeline/04_publish"
	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/types"
)

// RecordStore is the slice of the store the orchestrator writes through.
type RecordStore interface {
	Claim(ctx context.Context, p *types.Posting, next types.Status) (*types.Posting, error)
	UpdateStatus(ctx context.Context, id int64, status types.Status, errMsg *string) error
	UpdateResult(ctx context.Context, id int64, fields types.ResultFields) error
}

type ScriptGenerator interface {
	Generate(ctx context.Context, p types.Posting) (string, error)
}

type VideoGenerator interface {
	Submit(ctx context.Context, script string, v video.VoiceConfig) (string, error)
	Poll(ctx context.Context, jobID string) (video.JobStatus, error)
	DefaultVoice() video.VoiceConfig
}

type ArtifactStore interface {
	FetchAndStore(ctx context.Context, downloadURL, name string) (*storage.Artifact, error)
	Cleanup(ctx context.Context, a *storage.Artifact) error
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

type Publisher interface {
	CheckAuthorization(ctx context.Context) error
	Publish(ctx context.Context, media io.Reader, meta publish.Metadata) (*publish.Published, error)
}

type Receipts interface {
	Record(ctx context.Context, postingID int64, pub publish.Published) error
	Lookup(ctx context.Context, postingID int64) (*publish.Published, error)
}

// Deps are the collaborators of one orchestrator.
type Deps struct {
	Store     RecordStore
	Script    ScriptGenerator
	Video     VideoGenerator
	Storage   ArtifactStore
	Publisher Publisher
	Receipts  Receipts
	Clock     Clock
}

// Outcome is the result of driving one posting.
type Outcome struct {
	PostingID int64
	Status    types.Status
	Skipped   bool
	// Err is the step failure that was recorded on the posting, or the store
	// failure that stopped the run when Fatal is set.
	Err   error
	Fatal bool
}

// Orchestrator walks postings through the pipeline, persisting status before
// each step and its result right after.
type Orchestrator struct {
	deps       Deps
	cfg        config.PipelineConfig
	publishCfg config.PublishConfig
	log        zerolog.Logger
}

// New creates a new Orchestrator. A nil Clock means the wall clock.
func New(deps Deps, cfg config.PipelineConfig, publishCfg config.PublishConfig, log zerolog.Logger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = RealClock
	}
	return &Orchestrator{deps: deps, cfg: cfg, publishCfg: publishCfg, log: logging.Stage(log, "orchestrator")}
}

// run carries per-execution state for one posting.
type run struct {
	p           *types.Posting
	log         zerolog.Logger
	reset       bool   // entered from failed; a failed remote job may be resubmitted once
	downloadURL string // completed render url observed in this execution
}

// fatalError marks a store failure: the posting's progress can no longer be recorded.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

// Run drives p from its current status to completed or failed. It never
// returns a partially applied transition: every write is either recorded or
// reported as Fatal.
func (o *Orchestrator) Run(ctx context.Context, p *types.Posting) Outcome {
	r := &run{p: p, log: o.log.With().Int64("posting_id", p.ID).Logger()}

	skip, err := o.enter(ctx, r)
	if err != nil {
		return Outcome{PostingID: p.ID, Status: r.p.Status, Err: err, Fatal: true}
	}
	if skip != "" {
		r.log.Info().Str("status", string(r.p.Status)).Msg(skip)
		return Outcome{PostingID: p.ID, Status: r.p.Status, Skipped: true}
	}

	for st := r.p.Status; st != types.StatusCompleted; st = r.p.Status {
		if err := o.step(ctx, r, st); err != nil {
			return o.fail(ctx, r, err)
		}
		next := st.Next()
		if err := o.deps.Store.UpdateStatus(ctx, p.ID, next, nil); err != nil {
			return Outcome{PostingID: p.ID, Status: st, Err: fmt.Errorf("record %s: %w", next, err), Fatal: true}
		}
		r.p.Status = next
	}
	r.log.Info().Str("embed_url", types.Deref(r.p.YouTubeEmbedURL)).Msg("posting completed")
	return Outcome{PostingID: p.ID, Status: types.StatusCompleted}
}

// enter claims the posting for this execution. A non-empty skip reason means
// the posting is left alone.
func (o *Orchestrator) enter(ctx context.Context, r *run) (skip string, err error) {
	p := r.p
	switch {
	case p.Status == types.StatusCompleted:
		return "already completed", nil

	case p.Status == types.StatusPending:
		return o.claim(ctx, r, types.StatusGeneratingScript)

	case p.Status.InFlight():
		age := o.deps.Clock.Now().Sub(p.UpdatedAt)
		if age < o.cfg.StaleAfter.Duration() {
			return "in progress elsewhere", nil
		}
		r.log.Warn().Dur("age", age).Str("status", string(p.Status)).Msg("resuming stale posting")
		return o.claim(ctx, r, p.Status)

	case p.Status == types.StatusFailed:
		r.log.Info().Str("error_message", types.Deref(p.ErrorMessage)).Msg("retrying failed posting")
		r.reset = true
		if skip, err := o.claim(ctx, r, types.StatusPending); skip != "" || err != nil {
			return skip, err
		}
		return o.claim(ctx, r, types.StatusGeneratingScript)
	}
	return "", fmt.Errorf("posting %d: %w", p.ID, types.ErrUnknownStatus)
}

func (o *Orchestrator) claim(ctx context.Context, r *run, next types.Status) (string, error) {
	claimed, err := o.deps.Store.Claim(ctx, r.p, next)
	if errors.Is(err, types.ErrClaimLost) {
		return "claimed by another execution", nil
	}
	if err != nil {
		return "", err
	}
	r.p = claimed
	return "", nil
}

func (o *Orchestrator) step(ctx context.Context, r *run, st types.Status) error {
	switch st {
	case types.StatusGeneratingScript:
		return o.generateScript(ctx, r)
	case types.StatusGeneratingVideo:
		return o.generateVideo(ctx, r)
	case types.StatusUploadingStorage:
		return o.storeVideo(ctx, r)
	case types.StatusUploadingPlatform:
		return o.publishVideo(ctx, r)
	}
	return fmt.Errorf("no step for status %q", st)
}

// record writes result fields and mirrors them onto the in-memory posting.
func (o *Orchestrator) record(ctx context.Context, r *run, fields types.ResultFields) error {
	if err := o.deps.Store.UpdateResult(ctx, r.p.ID, fields); err != nil {
		return fatal(fmt.Errorf("record result: %w", err))
	}
	fields.Apply(r.p)
	return nil
}

// ─────────────────────────────────────────────
// STEP 1: Script
// ─────────────────────────────────────────────

func (o *Orchestrator) generateScript(ctx context.Context, r *run) error {
	if r.p.ScriptText != nil {
		return nil
	}
	text, err := o.deps.Script.Generate(ctx, *r.p)
	if err != nil {
		if types.IsKind(err, types.KindScriptGeneration) {
			return err
		}
		return types.ScriptGenerationError("%v", err)
	}
	r.log.Info().Int("chars", len([]rune(text))).Msg("script ready")
	return o.record(ctx, r, types.ResultFields{ScriptText: &text})
}

// ─────────────────────────────────────────────
// STEP 2: Video generation (submit + poll)
// ─────────────────────────────────────────────

func (o *Orchestrator) generateVideo(ctx context.Context, r *run) error {
	if r.p.S3VideoURL != nil {
		return nil
	}
	if r.p.HeygenVideoID == nil {
		if err := o.submit(ctx, r); err != nil {
			return err
		}
	}
	url, err := o.await(ctx, r, *r.p.HeygenVideoID)
	if types.IsKind(err, types.KindRemoteFailure) && r.reset {
		// One fresh job for a posting retried after a remote render failure.
		r.reset = false
		r.log.Warn().Err(err).Msg("recorded job failed, submitting a new one")
		if err := o.submit(ctx, r); err != nil {
			return err
		}
		url, err = o.await(ctx, r, *r.p.HeygenVideoID)
	}
	if err != nil {
		return err
	}
	r.downloadURL = url
	return nil
}

func (o *Orchestrator) submit(ctx context.Context, r *run) error {
	if r.p.ScriptText == nil {
		return fmt.Errorf("no script recorded")
	}
	jobID, err := o.deps.Video.Submit(ctx, *r.p.ScriptText, o.deps.Video.DefaultVoice())
	if err != nil {
		return err
	}
	r.log.Info().Str("job_id", jobID).Msg("video job submitted")
	return o.record(ctx, r, types.ResultFields{HeygenVideoID: &jobID})
}

// await polls jobID at a fixed interval until it finishes or the budget runs
// out. Transient poll errors (timeouts) are tolerated inside the budget. An
// Upstream error means the client already spent its retries and the service
// refused, so it fails the step.
func (o *Orchestrator) await(ctx context.Context, r *run, jobID string) (string, error) {
	clock := o.deps.Clock
	interval := o.cfg.PollInterval.Duration()
	budget := o.cfg.PollBudget.Duration()
	deadline := clock.Now().Add(budget)

	var lastErr error
	for polls := 1; ; polls++ {
		st, err := o.deps.Video.Poll(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if types.IsKind(err, types.KindUpstream) {
				return "", fmt.Errorf("poll job %s: %w", jobID, err)
			}
			lastErr = err
			r.log.Warn().Err(err).Str("job_id", jobID).Int("poll", polls).Msg("poll failed")
		case st.State == video.JobCompleted:
			r.log.Info().Str("job_id", jobID).Int("polls", polls).Msg("video ready")
			return st.URL, nil
		case st.State == video.JobFailed:
			return "", types.RemoteFailureError("job %s: %s", jobID, st.Reason)
		default:
			r.log.Debug().Str("job_id", jobID).Str("state", st.State.String()).Int("poll", polls).Msg("video not ready")
		}

		if clock.Now().Add(interval).After(deadline) {
			if lastErr != nil {
				return "", types.TimeoutError("job %s not finished within %s after %d polls (last poll error: %v)", jobID, budget, polls, lastErr)
			}
			return "", types.TimeoutError("job %s not finished within %s after %d polls", jobID, budget, polls)
		}
		if err := clock.Sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

// ─────────────────────────────────────────────
// STEP 3: Storage transfer
// ─────────────────────────────────────────────

func objectName(id int64) string { return fmt.Sprintf("%d.mp4", id) }

func (o *Orchestrator) storeVideo(ctx context.Context, r *run) error {
	if r.p.S3VideoURL != nil {
		return nil
	}
	if r.downloadURL == "" {
		// Resumed after the render finished: ask the job for its url again.
		if r.p.HeygenVideoID == nil {
			return fmt.Errorf("no video job recorded")
		}
		st, err := o.deps.Video.Poll(ctx, *r.p.HeygenVideoID)
		if err != nil {
			return err
		}
		if st.State != video.JobCompleted {
			return types.UpstreamError("job %s is %s, expected completed", *r.p.HeygenVideoID, st.State)
		}
		r.downloadURL = st.URL
	}

	art, err := o.deps.Storage.FetchAndStore(ctx, r.downloadURL, objectName(r.p.ID))
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := o.deps.Storage.Cleanup(cctx, art); err != nil {
			r.log.Warn().Err(err).Str("key", art.StagingKey).Msg("staging cleanup failed")
		}
	}()
	return o.record(ctx, r, types.ResultFields{S3VideoURL: &art.URL})
}

// ─────────────────────────────────────────────
// STEP 4: Platform publish
// ─────────────────────────────────────────────

func (o *Orchestrator) publishVideo(ctx context.Context, r *run) error {
	if r.p.YouTubeVideoID != nil && r.p.YouTubeEmbedURL != nil {
		return nil
	}

	prior, err := o.deps.Receipts.Lookup(ctx, r.p.ID)
	if err != nil {
		return types.UpstreamError("receipt lookup: %v", err)
	}
	if prior != nil {
		r.log.Info().Str("video_id", prior.VideoID).Msg("found publish receipt, recording without uploading")
		return o.recordPublished(ctx, r, *prior)
	}

	if err := o.deps.Publisher.CheckAuthorization(ctx); err != nil {
		return err
	}
	media, size, err := o.deps.Storage.Open(ctx, objectName(r.p.ID))
	if err != nil {
		return types.TransferError("open stored video: %v", err)
	}
	defer media.Close()

	r.log.Info().Int64("bytes", size).Msg("publishing video")
	pub, err := o.deps.Publisher.Publish(ctx, media, publish.BuildMetadata(o.publishCfg, *r.p))
	if err != nil {
		return err
	}
	if err := o.deps.Receipts.Record(ctx, r.p.ID, *pub); err != nil {
		r.log.Error().Err(err).Str("video_id", pub.VideoID).Msg("publish receipt not written")
	}
	return o.recordPublished(ctx, r, *pub)
}

func (o *Orchestrator) recordPublished(ctx context.Context, r *run, pub publish.Published) error {
	return o.record(ctx, r, types.ResultFields{YouTubeVideoID: &pub.VideoID, YouTubeEmbedURL: &pub.EmbedURL})
}

// fail records err on the posting. Partial results stay in place. A
// cancelled run is not marked failed: the posting stays in flight and is
// resumed once stale.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) Outcome {
	out := Outcome{PostingID: r.p.ID, Status: r.p.Status, Err: err}
	var fe *fatalError
	if errors.As(err, &fe) {
		out.Fatal = true
		return out
	}
	if ctx.Err() != nil {
		r.log.Warn().Err(err).Str("status", string(r.p.Status)).Msg("run cancelled")
		out.Fatal = true
		return out
	}

	msg := types.FailureMessage(err)
	r.log.Error().Err(err).Str("status", string(r.p.Status)).Msg("step failed")
	if serr := o.deps.Store.UpdateStatus(ctx, r.p.ID, types.StatusFailed, &msg); serr != nil {
		out.Err = fmt.Errorf("record failure %q: %w", msg, serr)
		out.Fatal = true
		return out
	}
	r.p.Status = types.StatusFailed
	r.p.ErrorMessage = &msg
	out.Status = types.StatusFailed
	return out
}
