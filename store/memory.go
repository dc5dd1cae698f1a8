package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"posting-video-pipeline/types"
)

// Memory is a RecordStore kept in process memory. It applies the same
// transition and claim rules as Postgres.
type Memory struct {
	mu       sync.Mutex
	postings map[int64]*types.Posting
	nextID   int64
	last     time.Time
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{postings: make(map[int64]*types.Posting), now: time.Now}
}

// tick returns a timestamp strictly after every one handed out before.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

func (m *Memory) Ping(context.Context) error { return nil }

// Create inserts a pending posting.
func (m *Memory) Create(_ context.Context, title, body string) (*types.Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ts := m.tick()
	p := &types.Posting{ID: m.nextID, Title: title, Body: body, Status: types.StatusPending, CreatedAt: ts, UpdatedAt: ts}
	m.postings[p.ID] = p
	return clone(p), nil
}

// Put stores p as given, for seeding postings in arbitrary states. An empty
// status means pending.
func (m *Memory) Put(p types.Posting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	} else if p.ID > m.nextID {
		m.nextID = p.ID
	}
	if p.Status == "" {
		p.Status = types.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.tick()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	m.postings[p.ID] = clone(&p)
}

// Get returns the posting with id, or ErrPostingNotFound.
func (m *Memory) Get(_ context.Context, id int64) (*types.Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.postings[id]
	if !ok {
		return nil, fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
	}
	return clone(p), nil
}

// List returns every posting, newest first.
func (m *Memory) List(context.Context) ([]types.Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Posting, 0, len(m.postings))
	for _, p := range m.postings {
		out = append(out, *clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// FetchNextEligible returns the oldest pending posting.
func (m *Memory) FetchNextEligible(context.Context) (*types.Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *types.Posting
	for _, p := range m.postings {
		if p.Status != types.StatusPending {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) ||
			(p.CreatedAt.Equal(best.CreatedAt) && p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return nil, types.ErrNoEligiblePosting
	}
	return clone(best), nil
}

// Claim moves p to next only if it is unchanged since p was read.
func (m *Memory) Claim(_ context.Context, p *types.Posting, next types.Status) (*types.Posting, error) {
	if !types.CanTransition(p.Status, next) {
		return nil, fmt.Errorf("claim posting %d %s -> %s: %w", p.ID, p.Status, next, types.ErrTransitionRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.postings[p.ID]
	if !ok || cur.Status != p.Status || !cur.UpdatedAt.Equal(p.UpdatedAt) {
		return nil, fmt.Errorf("posting %d: %w", p.ID, types.ErrClaimLost)
	}
	if cur.Status == types.StatusFailed {
		cur.ErrorMessage = nil
	}
	cur.Status = next
	cur.UpdatedAt = m.tick()
	return clone(cur), nil
}

func (m *Memory) UpdateStatus(_ context.Context, id int64, status types.Status, errMsg *string) error {
	if status == types.StatusFailed && errMsg == nil {
		return fmt.Errorf("posting %d: failed status requires an error message", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.postings[id]
	if !ok {
		return fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
	}
	if !types.CanTransition(cur.Status, status) {
		return fmt.Errorf("posting %d %s -> %s: %w", id, cur.Status, status, types.ErrTransitionRejected)
	}
	if status == types.StatusCompleted && (cur.S3VideoURL == nil || cur.YouTubeEmbedURL == nil) {
		return fmt.Errorf("posting %d: completed requires stored and published urls: %w", id, types.ErrTransitionRejected)
	}
	cur.Status = status
	if errMsg != nil {
		cur.ErrorMessage = types.Ptr(*errMsg)
	}
	cur.UpdatedAt = m.tick()
	return nil
}

func (m *Memory) UpdateResult(_ context.Context, id int64, fields types.ResultFields) error {
	if fields.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.postings[id]
	if !ok {
		return fmt.Errorf("posting %d: %w", id, types.ErrPostingNotFound)
	}
	fields.Apply(cur)
	cur.UpdatedAt = m.tick()
	return nil
}

func clone(p *types.Posting) *types.Posting {
	c := *p
	for _, f := range []**string{&c.ScriptText, &c.HeygenVideoID, &c.S3VideoURL, &c.YouTubeVideoID, &c.YouTubeEmbedURL, &c.ErrorMessage} {
		if *f != nil {
			v := **f
			*f = &v
		}
	}
	return &c
}
