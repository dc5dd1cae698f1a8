package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	video "posting-video-pipeline/02_video"
	storage "posting-video-pipeline/03_storage"
	publish "posting-video-pipeline/04_publish"
	"posting-video-pipeline/config"
	"posting-video-pipeline/store"
	"posting-video-pipeline/types"
)

// ─────────────────────────────────────────────
// fakes
// ─────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

// recordingStore logs every successful write in order.
type recordingStore struct {
	*store.Memory
	mu         sync.Mutex
	ops        []string
	failResult error
}

func (s *recordingStore) add(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *recordingStore) Claim(ctx context.Context, p *types.Posting, next types.Status) (*types.Posting, error) {
	c, err := s.Memory.Claim(ctx, p, next)
	if err == nil {
		s.add("claim:" + string(next))
	}
	return c, err
}

func (s *recordingStore) UpdateStatus(ctx context.Context, id int64, st types.Status, msg *string) error {
	err := s.Memory.UpdateStatus(ctx, id, st, msg)
	if err == nil {
		s.add("status:" + string(st))
	}
	return err
}

func (s *recordingStore) UpdateResult(ctx context.Context, id int64, f types.ResultFields) error {
	if s.failResult != nil {
		return s.failResult
	}
	err := s.Memory.UpdateResult(ctx, id, f)
	if err == nil {
		var names []string
		if f.ScriptText != nil {
			names = append(names, "script")
		}
		if f.HeygenVideoID != nil {
			names = append(names, "heygen")
		}
		if f.S3VideoURL != nil {
			names = append(names, "s3")
		}
		if f.YouTubeVideoID != nil {
			names = append(names, "youtube")
		}
		s.add("result:" + strings.Join(names, ","))
	}
	return err
}

type fakeScript struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (f *fakeScript) Generate(_ context.Context, p types.Posting) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return "", f.err
	}
	return "안녕하세요! " + p.Title, nil
}

type fakeVideo struct {
	mu      sync.Mutex
	submits int
	polls   int
	// statuses per job id; the last entry repeats.
	statuses map[string][]video.JobStatus
	seen     map[string]int
}

func newFakeVideo() *fakeVideo {
	return &fakeVideo{statuses: map[string][]video.JobStatus{}, seen: map[string]int{}}
}

func (f *fakeVideo) DefaultVoice() video.VoiceConfig { return video.VoiceConfig{AvatarID: "a", VoiceID: "v"} }

func (f *fakeVideo) Submit(context.Context, string, video.VoiceConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	id := fmt.Sprintf("job-%d", f.submits)
	if _, ok := f.statuses[id]; !ok {
		f.statuses[id] = []video.JobStatus{{State: video.JobRunning}, {State: video.JobCompleted, URL: "https://cdn.heygen/" + id + ".mp4"}}
	}
	return id, nil
}

func (f *fakeVideo) Poll(_ context.Context, id string) (video.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	seq, ok := f.statuses[id]
	if !ok {
		return video.JobStatus{}, types.UpstreamError("unknown job %s", id)
	}
	i := f.seen[id]
	if i < len(seq)-1 {
		f.seen[id]++
	}
	return seq[min(i, len(seq)-1)], nil
}

type fakeStorage struct {
	mu       sync.Mutex
	fetches  int
	cleanups int
	err      error
}

func (f *fakeStorage) FetchAndStore(_ context.Context, _, name string) (*storage.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return &storage.Artifact{
		Key:        "videos/" + name,
		StagingKey: "staging/x-" + name,
		URL:        "https://bucket.s3.us-east-1.amazonaws.com/videos/" + name,
		Size:       5,
	}, nil
}

func (f *fakeStorage) Cleanup(context.Context, *storage.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func (f *fakeStorage) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("video")), 5, nil
}

type fakePublisher struct {
	mu         sync.Mutex
	publishes  int
	authErr    error
	publishErr error
}

func (f *fakePublisher) CheckAuthorization(context.Context) error { return f.authErr }

func (f *fakePublisher) Publish(_ context.Context, media io.Reader, meta publish.Metadata) (*publish.Published, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	if b, _ := io.ReadAll(media); string(b) != "video" {
		return nil, errors.New("unexpected media")
	}
	id := fmt.Sprintf("yt-%d", f.publishes)
	return &publish.Published{VideoID: id, EmbedURL: publish.EmbedURL(id)}, nil
}

type harness struct {
	store     *recordingStore
	script    *fakeScript
	video     *fakeVideo
	storage   *fakeStorage
	publisher *fakePublisher
	receipts  *publish.MemoryReceipts
	clock     *fakeClock
	orch      *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		store:     &recordingStore{Memory: store.NewMemory()},
		script:    &fakeScript{},
		video:     newFakeVideo(),
		storage:   &fakeStorage{},
		publisher: &fakePublisher{},
		receipts:  publish.NewMemoryReceipts(),
		clock:     &fakeClock{now: time.Now()},
	}
	h.orch = New(Deps{
		Store:     h.store,
		Script:    h.script,
		Video:     h.video,
		Storage:   h.storage,
		Publisher: h.publisher,
		Receipts:  h.receipts,
		Clock:     h.clock,
	}, config.PipelineConfig{
		PollInterval: config.Duration(20 * time.Second),
		PollBudget:   config.Duration(10 * time.Minute),
		StaleAfter:   config.Duration(30 * time.Minute),
	}, config.PublishConfig{TitlePrefix: "[AI 생성] ", DescriptionChars: 500}, zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, p types.Posting) *types.Posting {
	t.Helper()
	h.store.Put(p)
	got, err := h.store.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func (h *harness) get(t *testing.T, id int64) *types.Posting {
	t.Helper()
	p, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// ─────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────

func TestRunCompletesPendingPosting(t *testing.T) {
	h := newHarness()
	p := h.seed(t, types.Posting{ID: 42, Title: "신규 채용 공고", Body: "개발자를 모집합니다."})

	out := h.orch.Run(context.Background(), p)
	if out.Err != nil || out.Status != types.StatusCompleted || out.Skipped {
		t.Fatalf("outcome: %+v", out)
	}

	got := h.get(t, 42)
	if got.Status != types.StatusCompleted {
		t.Fatalf("status %s", got.Status)
	}
	if types.Deref(got.ScriptText) != "안녕하세요! 신규 채용 공고" || types.Deref(got.HeygenVideoID) != "job-1" ||
		types.Deref(got.S3VideoURL) != "https://bucket.s3.us-east-1.amazonaws.com/videos/42.mp4" ||
		types.Deref(got.YouTubeVideoID) != "yt-1" || types.Deref(got.YouTubeEmbedURL) != "https://www.youtube.com/embed/yt-1" {
		t.Fatalf("fields: %+v", got)
	}

	want := []string{
		"claim:generating_script", "result:script",
		"status:generating_video", "result:heygen",
		"status:uploading_storage", "result:s3",
		"status:uploading_platform", "result:youtube",
		"status:completed",
	}
	if strings.Join(h.store.ops, " ") != strings.Join(want, " ") {
		t.Fatalf("write order:\n got %v\nwant %v", h.store.ops, want)
	}
	if h.storage.cleanups != 1 {
		t.Fatalf("staging cleanups = %d", h.storage.cleanups)
	}
	if r, _ := h.receipts.Lookup(context.Background(), 42); r == nil || r.VideoID != "yt-1" {
		t.Fatalf("receipt: %+v", r)
	}
}

func TestRunSkipsCompleted(t *testing.T) {
	h := newHarness()
	p := h.seed(t, types.Posting{ID: 1, Title: "t", Body: "b"})
	h.orch.Run(context.Background(), p)
	before := len(h.store.ops)

	out := h.orch.Run(context.Background(), h.get(t, 1))
	if !out.Skipped || out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if len(h.store.ops) != before || h.script.calls != 1 || h.video.submits != 1 || h.publisher.publishes != 1 {
		t.Fatalf("completed posting touched: ops=%v script=%d submits=%d publishes=%d",
			h.store.ops[before:], h.script.calls, h.video.submits, h.publisher.publishes)
	}
}

func TestRemoteFailureIsRecorded(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-1"] = []video.JobStatus{{State: video.JobPending}, {State: video.JobFailed, Reason: "render error"}}
	p := h.seed(t, types.Posting{ID: 42, Title: "t", Body: "b"})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusFailed || out.Fatal || !types.IsKind(out.Err, types.KindRemoteFailure) {
		t.Fatalf("outcome: %+v", out)
	}
	got := h.get(t, 42)
	msg := types.Deref(got.ErrorMessage)
	if got.Status != types.StatusFailed || !strings.HasPrefix(msg, "video generation failed: ") || !strings.Contains(msg, "render error") {
		t.Fatalf("posting: status=%s message=%q", got.Status, msg)
	}
	if got.ScriptText == nil || types.Deref(got.HeygenVideoID) != "job-1" {
		t.Fatalf("partial results lost: %+v", got)
	}
	if h.storage.fetches != 0 || h.publisher.publishes != 0 {
		t.Fatal("later steps ran after a failed render")
	}
}

func TestPollBudgetTimesOut(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-1"] = []video.JobStatus{{State: video.JobRunning}}
	p := h.seed(t, types.Posting{ID: 5, Title: "t", Body: "b"})
	start := h.clock.Now()

	out := h.orch.Run(context.Background(), p)
	if !types.IsKind(out.Err, types.KindTimeout) {
		t.Fatalf("got %v, want timeout", out.Err)
	}
	msg := types.Deref(h.get(t, 5).ErrorMessage)
	if !strings.HasPrefix(msg, "video generation timed out: ") {
		t.Fatalf("message %q", msg)
	}
	if elapsed := h.clock.Now().Sub(start); elapsed != 10*time.Minute {
		t.Fatalf("waited %s, want the 10m budget", elapsed)
	}
	if h.video.polls != 31 {
		t.Fatalf("polls = %d, want 31", h.video.polls)
	}
}

func TestPollErrorsAreToleratedWithinBudget(t *testing.T) {
	h := newHarness()
	p := h.seed(t, types.Posting{ID: 6, Title: "t", Body: "b"})
	ev := &erroringVideo{fakeVideo: h.video, failPolls: 2,
		err: fmt.Errorf("GET /v1/video_status.get: %w", context.DeadlineExceeded)}
	h.orch.deps.Video = ev

	out := h.orch.Run(context.Background(), p)
	if out.Err != nil || out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if ev.polls != 3 {
		t.Fatalf("polls = %d, want 3", ev.polls)
	}
}

func TestUpstreamPollErrorFailsStep(t *testing.T) {
	h := newHarness()
	p := h.seed(t, types.Posting{ID: 7, Title: "t", Body: "b"})
	ev := &erroringVideo{fakeVideo: h.video, failPolls: 1000, err: types.UpstreamError("status 401")}
	h.orch.deps.Video = ev
	start := h.clock.Now()

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusFailed || !types.IsKind(out.Err, types.KindUpstream) {
		t.Fatalf("outcome: %+v", out)
	}
	msg := types.Deref(h.get(t, 7).ErrorMessage)
	if !strings.HasPrefix(msg, "upstream error: ") || !strings.Contains(msg, "status 401") {
		t.Fatalf("message %q", msg)
	}
	if ev.polls != 1 || !h.clock.Now().Equal(start) {
		t.Fatalf("kept polling a refused job: polls=%d waited=%s", ev.polls, h.clock.Now().Sub(start))
	}
}

type erroringVideo struct {
	*fakeVideo
	err       error
	failPolls int
	polls     int
}

func (e *erroringVideo) Poll(ctx context.Context, id string) (video.JobStatus, error) {
	e.polls++
	if e.failPolls > 0 {
		e.failPolls--
		return video.JobStatus{}, e.err
	}
	return video.JobStatus{State: video.JobCompleted, URL: "https://cdn/x.mp4"}, nil
}

func TestFreshInFlightPostingIsSkipped(t *testing.T) {
	h := newHarness()
	now := time.Now()
	p := h.seed(t, types.Posting{ID: 3, Title: "t", Body: "b", Status: types.StatusGeneratingVideo,
		ScriptText: types.Ptr("s"), CreatedAt: now, UpdatedAt: now})

	out := h.orch.Run(context.Background(), p)
	if !out.Skipped {
		t.Fatalf("outcome: %+v", out)
	}
	if h.video.submits+h.video.polls != 0 {
		t.Fatal("fresh in-flight posting was touched")
	}
}

func TestStalePostingResumesAtItsStep(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-9"] = []video.JobStatus{{State: video.JobCompleted, URL: "https://cdn/job-9.mp4"}}
	old := time.Now().Add(-time.Hour)
	p := h.seed(t, types.Posting{ID: 8, Title: "t", Body: "b", Status: types.StatusUploadingStorage,
		ScriptText: types.Ptr("s"), HeygenVideoID: types.Ptr("job-9"), CreatedAt: old, UpdatedAt: old})

	out := h.orch.Run(context.Background(), p)
	if out.Err != nil || out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if h.script.calls != 0 || h.video.submits != 0 {
		t.Fatalf("earlier steps re-ran: script=%d submits=%d", h.script.calls, h.video.submits)
	}
	if h.storage.fetches != 1 || h.publisher.publishes != 1 {
		t.Fatalf("fetches=%d publishes=%d", h.storage.fetches, h.publisher.publishes)
	}
	if h.store.ops[0] != "claim:uploading_storage" {
		t.Fatalf("resume did not claim its step: %v", h.store.ops)
	}
}

func TestStaleGeneratingVideoPollsRecordedJob(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-9"] = []video.JobStatus{{State: video.JobRunning}, {State: video.JobCompleted, URL: "https://cdn/job-9.mp4"}}
	old := time.Now().Add(-time.Hour)
	p := h.seed(t, types.Posting{ID: 9, Title: "t", Body: "b", Status: types.StatusGeneratingVideo,
		ScriptText: types.Ptr("s"), HeygenVideoID: types.Ptr("job-9"), CreatedAt: old, UpdatedAt: old})

	out := h.orch.Run(context.Background(), p)
	if out.Err != nil || out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if h.video.submits != 0 || h.video.polls < 1 {
		t.Fatalf("submits=%d polls=%d, want the recorded job polled", h.video.submits, h.video.polls)
	}
	got := h.get(t, 9)
	if types.Deref(got.HeygenVideoID) != "job-9" || got.S3VideoURL == nil || got.YouTubeEmbedURL == nil {
		t.Fatalf("posting: %+v", got)
	}
}

func TestTimedOutPostingRetryPollsRecordedJob(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-7"] = []video.JobStatus{{State: video.JobCompleted, URL: "https://cdn/job-7.mp4"}}
	p := h.seed(t, types.Posting{ID: 17, Title: "t", Body: "b", Status: types.StatusFailed,
		ScriptText: types.Ptr("s"), HeygenVideoID: types.Ptr("job-7"),
		ErrorMessage: types.Ptr("video generation timed out: job job-7 not finished within 10m0s after 31 polls")})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if h.video.submits != 0 || h.video.polls < 1 {
		t.Fatalf("submits=%d polls=%d, want the recorded job polled", h.video.submits, h.video.polls)
	}
	if h.script.calls != 0 {
		t.Fatal("recorded script regenerated")
	}
}

func TestConcurrentRunsClaimOnce(t *testing.T) {
	h := newHarness()
	h.script.block = make(chan struct{})
	p := h.seed(t, types.Posting{ID: 11, Title: "t", Body: "b"})

	other := New(h.orch.deps, h.orch.cfg, h.orch.publishCfg, zerolog.Nop())
	outs := make(chan Outcome, 2)
	for _, o := range []*Orchestrator{h.orch, other} {
		o := o
		snapshot := *p
		go func() { outs <- o.Run(context.Background(), &snapshot) }()
	}
	// The loser returns without blocking on the script generator.
	first := <-outs
	if !first.Skipped {
		t.Fatalf("first finished run should be the skipped one: %+v", first)
	}
	close(h.script.block)
	second := <-outs
	if second.Skipped || second.Status != types.StatusCompleted {
		t.Fatalf("winner outcome: %+v", second)
	}
	if h.script.calls != 1 || h.video.submits != 1 || h.publisher.publishes != 1 {
		t.Fatalf("duplicate side effects: script=%d submits=%d publishes=%d", h.script.calls, h.video.submits, h.publisher.publishes)
	}
}

func TestPublishFailureKeepsStoredVideo(t *testing.T) {
	h := newHarness()
	h.publisher.authErr = types.AuthRequiredError("no stored token or refresh token")
	p := h.seed(t, types.Posting{ID: 21, Title: "t", Body: "b"})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusFailed || !types.IsKind(out.Err, types.KindAuthRequired) {
		t.Fatalf("outcome: %+v", out)
	}
	got := h.get(t, 21)
	if got.S3VideoURL == nil || got.YouTubeVideoID != nil {
		t.Fatalf("fields: %+v", got)
	}
	if !strings.HasPrefix(types.Deref(got.ErrorMessage), "authorization required: ") {
		t.Fatalf("message %q", types.Deref(got.ErrorMessage))
	}

	// Retrying after the operator fixes credentials only publishes.
	h.publisher.authErr = nil
	out = h.orch.Run(context.Background(), got)
	if out.Status != types.StatusCompleted {
		t.Fatalf("retry outcome: %+v", out)
	}
	if h.script.calls != 1 || h.video.submits != 1 || h.storage.fetches != 1 || h.publisher.publishes != 1 {
		t.Fatalf("retry repeated work: script=%d submits=%d fetches=%d publishes=%d",
			h.script.calls, h.video.submits, h.storage.fetches, h.publisher.publishes)
	}
	if got := h.get(t, 21); got.ErrorMessage != nil {
		t.Fatalf("error message kept after reset: %q", *got.ErrorMessage)
	}
}

func TestReceiptPreventsSecondUpload(t *testing.T) {
	h := newHarness()
	old := time.Now().Add(-time.Hour)
	p := h.seed(t, types.Posting{ID: 30, Title: "t", Body: "b", Status: types.StatusUploadingPlatform,
		ScriptText: types.Ptr("s"), HeygenVideoID: types.Ptr("job-1"),
		S3VideoURL: types.Ptr("https://bucket.s3.us-east-1.amazonaws.com/videos/30.mp4"), CreatedAt: old, UpdatedAt: old})
	_ = h.receipts.Record(context.Background(), 30, publish.Published{VideoID: "yt-prev", EmbedURL: publish.EmbedURL("yt-prev")})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if h.publisher.publishes != 0 {
		t.Fatal("video uploaded twice")
	}
	if got := h.get(t, 30); types.Deref(got.YouTubeVideoID) != "yt-prev" {
		t.Fatalf("receipt not recorded: %+v", got)
	}
}

func TestFailedJobIsResubmittedOnRetry(t *testing.T) {
	h := newHarness()
	h.video.statuses["job-old"] = []video.JobStatus{{State: video.JobFailed, Reason: "render error"}}
	p := h.seed(t, types.Posting{ID: 40, Title: "t", Body: "b", Status: types.StatusFailed,
		ScriptText: types.Ptr("s"), HeygenVideoID: types.Ptr("job-old"),
		ErrorMessage: types.Ptr("video generation failed: job job-old: render error")})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusCompleted {
		t.Fatalf("outcome: %+v", out)
	}
	if h.video.submits != 1 || types.Deref(h.get(t, 40).HeygenVideoID) != "job-1" {
		t.Fatalf("submits=%d heygen=%q", h.video.submits, types.Deref(h.get(t, 40).HeygenVideoID))
	}
	if h.script.calls != 0 {
		t.Fatal("recorded script regenerated")
	}
}

func TestStoreFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.store.failResult = errors.New("connection refused")
	p := h.seed(t, types.Posting{ID: 50, Title: "t", Body: "b"})

	out := h.orch.Run(context.Background(), p)
	if !out.Fatal || out.Err == nil {
		t.Fatalf("outcome: %+v", out)
	}
	if got := h.get(t, 50); got.Status != types.StatusGeneratingScript {
		t.Fatalf("status %s, want the posting left in flight", got.Status)
	}
}

func TestScriptErrorIsRecorded(t *testing.T) {
	h := newHarness()
	h.script.err = types.ScriptGenerationError("posting 60 has an empty title or body")
	p := h.seed(t, types.Posting{ID: 60, Title: "t", Body: "b"})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusFailed {
		t.Fatalf("outcome: %+v", out)
	}
	if msg := types.Deref(h.get(t, 60).ErrorMessage); !strings.HasPrefix(msg, "script generation failed: ") {
		t.Fatalf("message %q", msg)
	}
}

func TestModelErrorIsRecordedAsScriptFailure(t *testing.T) {
	h := newHarness()
	h.script.err = types.UpstreamError("status 503")
	p := h.seed(t, types.Posting{ID: 61, Title: "t", Body: "b"})

	out := h.orch.Run(context.Background(), p)
	if out.Status != types.StatusFailed || !types.IsKind(out.Err, types.KindScriptGeneration) {
		t.Fatalf("outcome: %+v", out)
	}
	msg := types.Deref(h.get(t, 61).ErrorMessage)
	if !strings.HasPrefix(msg, "script generation failed: ") || !strings.Contains(msg, "upstream error: status 503") {
		t.Fatalf("message %q", msg)
	}
}
