package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"posting-video-pipeline/config"
	"posting-video-pipeline/logging"
	"posting-video-pipeline/orchestrator"
	"posting-video-pipeline/types"
)

const (
	ActionGenerateAll      = "generate_all"
	ActionGenerateSpecific = "generate_specific"
	ActionCompleteWorkflow = "complete_workflow"
	ActionSyncIndex        = "sync_index"
	ActionCheckAPIs        = "check_apis"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingIDs    = errors.New("posting_ids is required")
)

// Request is one invocation of the pipeline.
type Request struct {
	Action     string  `json:"action"`
	PostingIDs []int64 `json:"posting_ids,omitempty"`
}

type Store interface {
	FetchNextEligible(ctx context.Context) (*types.Posting, error)
	Get(ctx context.Context, id int64) (*types.Posting, error)
}

type Runner interface {
	Run(ctx context.Context, p *types.Posting) orchestrator.Outcome
}

type Indexer interface {
	Sync(ctx context.Context) (int, error)
}

// Probe checks one external collaborator. A nil error means healthy.
type Probe func(ctx context.Context) error

type Dispatcher struct {
	store        Store
	runner       Runner
	index        Indexer
	probes       map[string]Probe
	cfg          config.PipelineConfig
	probeTimeout time.Duration
	log          zerolog.Logger
}

// New creates a new Dispatcher. probes are keyed by service name for check_apis.
func New(store Store, runner Runner, index Indexer, probes map[string]Probe, cfg config.PipelineConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		runner:       runner,
		index:        index,
		probes:       probes,
		cfg:          cfg,
		probeTimeout: 15 * time.Second,
		log:          logging.Stage(log, "dispatch"),
	}
}

// Dispatch runs one action and always returns a summary. A non-nil error is
// either a bad request (ErrUnknownAction, ErrMissingIDs) or a failure that
// stopped the whole invocation; per-posting failures only show up in the
// summary.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*types.Summary, error) {
	sum := &types.Summary{Action: req.Action, RunID: uuid.NewString()}
	log := d.log.With().Str("action", req.Action).Str("run_id", sum.RunID).Logger()
	log.Info().Int("ids", len(req.PostingIDs)).Msg("dispatch started")

	var err error
	switch req.Action {
	case ActionGenerateAll:
		err = d.generateAll(ctx, sum)
	case ActionGenerateSpecific:
		if len(req.PostingIDs) == 0 {
			return sum, ErrMissingIDs
		}
		err = d.generateSpecific(ctx, sum, req.PostingIDs)
	case ActionCompleteWorkflow:
		err = d.completeWorkflow(ctx, sum)
	case ActionSyncIndex:
		err = d.syncIndex(ctx, sum)
	case ActionCheckAPIs:
		err = d.checkAPIs(ctx, sum)
	default:
		return sum, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Int("succeeded", sum.Succeeded).Int("failed", sum.Failed).Int("skipped", sum.Skipped).Msg("dispatch finished")
	return sum, err
}

func (d *Dispatcher) generateAll(ctx context.Context, sum *types.Summary) error {
	for i := 0; i < d.cfg.MaxBatch; i++ {
		p, err := d.store.FetchNextEligible(ctx)
		if errors.Is(err, types.ErrNoEligiblePosting) {
			break
		}
		if err != nil {
			return fmt.Errorf("fetch next posting: %w", err)
		}
		if err := d.tally(sum, d.runner.Run(ctx, p)); err != nil {
			return err
		}
	}
	if sum.Succeeded+sum.Failed+sum.Skipped == 0 {
		sum.Message = types.ErrNoEligiblePosting.Error()
	}
	return nil
}

func (d *Dispatcher) generateSpecific(ctx context.Context, sum *types.Summary, ids []int64) error {
	for _, id := range ids {
		p, err := d.store.Get(ctx, id)
		if errors.Is(err, types.ErrPostingNotFound) {
			sum.Failed++
			d.addError(sum, fmt.Sprintf("posting %d: not found", id))
			continue
		}
		if err != nil {
			return fmt.Errorf("load posting %d: %w", id, err)
		}
		if err := d.tally(sum, d.runner.Run(ctx, p)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) completeWorkflow(ctx context.Context, sum *types.Summary) error {
	p, err := d.store.FetchNextEligible(ctx)
	if errors.Is(err, types.ErrNoEligiblePosting) {
		sum.Message = err.Error()
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch next posting: %w", err)
	}
	return d.tally(sum, d.runner.Run(ctx, p))
}

func (d *Dispatcher) syncIndex(ctx context.Context, sum *types.Summary) error {
	n, err := d.index.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	sum.Message = fmt.Sprintf("listed %d postings", n)
	return nil
}

// checkAPIs probes every collaborator on a bounded pool.
func (d *Dispatcher) checkAPIs(ctx context.Context, sum *types.Summary) error {
	pool, err := ants.NewPool(d.cfg.HealthWorkers, ants.WithPanicHandler(func(i interface{}) {
		d.log.Error().Interface("panic", i).Msg("health probe panicked")
	}))
	if err != nil {
		return fmt.Errorf("health pool: %w", err)
	}
	defer pool.Release()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]string)
	)
	sum.Health = make(map[string]bool, len(d.probes))
	for name, probe := range d.probes {
		name, probe := name, probe
		mu.Lock()
		sum.Health[name] = false
		mu.Unlock()
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, d.probeTimeout)
			defer cancel()
			perr := probe(pctx)
			mu.Lock()
			defer mu.Unlock()
			sum.Health[name] = perr == nil
			if perr != nil {
				failures[name] = perr.Error()
			}
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submit %s probe: %w", name, err)
		}
	}
	wg.Wait()

	names := make([]string, 0, len(sum.Health))
	for name, ok := range sum.Health {
		if ok {
			sum.Succeeded++
			continue
		}
		sum.Failed++
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msg := failures[name]
		if msg == "" {
			msg = "probe did not complete"
		}
		d.log.Warn().Str("service", name).Str("error", msg).Msg("health probe failed")
		d.addError(sum, name+": "+msg)
	}
	sum.Message = fmt.Sprintf("%d/%d services healthy", sum.Succeeded, len(sum.Health))
	return nil
}

// tally folds one outcome into the summary. A fatal outcome aborts the invocation.
func (d *Dispatcher) tally(sum *types.Summary, out orchestrator.Outcome) error {
	switch {
	case out.Fatal:
		return fmt.Errorf("posting %d: %w", out.PostingID, out.Err)
	case out.Skipped:
		sum.Skipped++
	case out.Err != nil:
		sum.Failed++
		d.addError(sum, fmt.Sprintf("posting %d: %s", out.PostingID, types.FailureMessage(out.Err)))
	default:
		sum.Succeeded++
	}
	return nil
}

func (d *Dispatcher) addError(sum *types.Summary, msg string) {
	if len(sum.Errors) < d.cfg.MaxReportedErrors {
		sum.Errors = append(sum.Errors, msg)
	}
}
