package checker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// ResultStore is the slice of the persistence collaborator the engine needs.
// Implementations must be safe under concurrent invocation from workers.
type ResultStore interface {
	// Update persists one endpoint's latest verification result.
	Update(id string, outcome types.VerificationOutcome) error
	// DeleteMany removes a batch of endpoints by identity, returning how
	// many were actually removed.
	DeleteMany(ids []string) (int, error)
}

// Options configures one verification run.
type Options struct {
	Concurrency            int
	Timeout                time.Duration
	ProbeURL               string
	EchoURL                string
	SelfAddressURL         string
	CheckAnonymity         bool
	DeleteDeadOnCompletion bool
	LogCap                 int
}

func (o *Options) validate(total int) error {
	if o.Concurrency <= 0 {
		return fmt.Errorf("invalid options: concurrency must be positive, got %d", o.Concurrency)
	}
	if o.ProbeURL == "" {
		return fmt.Errorf("invalid options: probe URL is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Concurrency > total && total > 0 {
		o.Concurrency = total
	}
	return nil
}

// Checker runs verification batches against a result store.
type Checker struct {
	store ResultStore
}

func New(store ResultStore) *Checker {
	return &Checker{store: store}
}

// Run is the handle for one verification invocation. It carries its own
// cancellation flag, so multiple runs can exist concurrently.
type Run struct {
	ID string

	tracker  *tracker
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	cancelled atomic.Bool

	mu       sync.Mutex
	outcomes []types.VerificationOutcome
	deadIDs  []string
}

// Stop requests cooperative cancellation. In-flight probes finish naturally;
// no further queue items are taken.
func (r *Run) Stop() {
	r.stopOnce.Do(func() {
		r.cancelled.Store(true)
		close(r.stop)
	})
}

// Snapshots streams RunState snapshots. The channel closes after the
// terminal snapshot.
func (r *Run) Snapshots() <-chan types.RunSnapshot {
	return r.tracker.Snapshots()
}

// Done is closed once the run has reached a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run terminates and returns the outcome list. The
// list always holds one entry per probed endpoint, including endpoints whose
// dead records were batch-deleted from storage.
func (r *Run) Wait() []types.VerificationOutcome {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.VerificationOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Run starts a verification over a fixed batch of endpoints and returns
// immediately with the run handle. Malformed endpoints (unknown transport
// kind) are rejected here, before anything enters the queue.
func (c *Checker) Run(ctx context.Context, endpoints []types.Endpoint, opts Options) (*Run, error) {
	if err := opts.validate(len(endpoints)); err != nil {
		return nil, err
	}
	for _, ep := range endpoints {
		if _, ok := types.ParseKind(string(ep.Kind)); !ok {
			return nil, fmt.Errorf("%w: %q on %s", ErrUnsupportedTransport, ep.Kind, ep.ID())
		}
	}

	id := uuid.NewString()
	run := &Run{
		ID:      id,
		tracker: newTracker(id, len(endpoints), opts.LogCap),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go c.execute(ctx, run, endpoints, opts)
	return run, nil
}

func (c *Checker) execute(ctx context.Context, run *Run, endpoints []types.Endpoint, opts Options) {
	l := logger.WithComponent("Checker")
	l.Info().
		Str("run_id", run.ID).
		Int("total", len(endpoints)).
		Int("concurrency", opts.Concurrency).
		Msg("Verification run starting.")

	// Self-address resolution happens once per run. If it fails, anonymity
	// checking is skipped and every working endpoint is graded unknown.
	selfAddr := ""
	if opts.CheckAnonymity {
		addr, err := ResolveSelfAddress(ctx, opts.SelfAddressURL, opts.Timeout)
		if err != nil {
			l.Warn().Err(err).Msg("Self-address resolution failed, skipping anonymity checks for this run.")
			run.tracker.logf("anonymity check disabled: %v", err)
		} else {
			selfAddr = addr
		}
	}

	queue := make(chan types.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		queue <- ep
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, run, queue, opts, selfAddr)
		}()
	}
	wg.Wait()

	// Dead endpoints are deleted in one batched call, never one per
	// endpoint. Cancellation still flushes whatever was collected.
	if opts.DeleteDeadOnCompletion {
		run.mu.Lock()
		deadIDs := run.deadIDs
		run.mu.Unlock()
		if len(deadIDs) > 0 {
			n, err := c.store.DeleteMany(deadIDs)
			if err != nil {
				l.Error().Err(err).Int("count", len(deadIDs)).Msg("Batched deletion of dead endpoints failed.")
				run.tracker.logf("failed to delete %d dead endpoints: %v", len(deadIDs), err)
			} else {
				run.tracker.setDeleted(n)
				run.tracker.logf("deleted %d dead endpoints", n)
			}
		}
	}

	status := types.RunCompleted
	if run.cancelled.Load() || ctx.Err() != nil {
		status = types.RunCancelled
	}
	snap := run.tracker.finish(status)
	close(run.done)

	l.Info().
		Str("run_id", run.ID).
		Str("status", string(status)).
		Int("checked", snap.Checked).
		Int("working", snap.Working).
		Int("dead", snap.Dead).
		Msg("Verification run finished.")
}

// worker drains the shared queue. The cancellation flag is checked before a
// probe, never during one, so at most Concurrency in-flight probes finish
// naturally after Stop.
func (c *Checker) worker(ctx context.Context, run *Run, queue <-chan types.Endpoint, opts Options, selfAddr string) {
	for {
		select {
		case <-run.stop:
			return
		case <-ctx.Done():
			run.cancelled.Store(true)
			return
		default:
		}

		select {
		case <-run.stop:
			return
		case <-ctx.Done():
			run.cancelled.Store(true)
			return
		case ep, ok := <-queue:
			if !ok {
				return
			}
			// Stop may have landed while this case was being chosen;
			// re-check so no new item is probed after cancellation.
			select {
			case <-run.stop:
				return
			case <-ctx.Done():
				run.cancelled.Store(true)
				return
			default:
			}
			c.verifyOne(ctx, run, ep, opts, selfAddr)
		}
	}
}

// verifyOne probes a single endpoint and records exactly one outcome.
func (c *Checker) verifyOne(ctx context.Context, run *Run, ep types.Endpoint, opts Options, selfAddr string) {
	l := logger.WithComponent("Checker")

	outcome := types.VerificationOutcome{
		ID:        ep.ID(),
		Status:    types.StatusDead,
		Anonymity: types.GradeUnknown,
		CheckedAt: time.Now().UTC(),
	}

	client, err := BuildClient(ep, opts.Timeout)
	if err != nil {
		// Kinds were validated up front; this only fires on handshake
		// construction failures, which count as dead.
		c.finishOne(run, ep, outcome, fmt.Sprintf("%s dead: %v", ep.ID(), err), opts)
		return
	}
	defer client.Close()

	start := time.Now()
	resp, err := client.Fetch(ctx, opts.ProbeURL)
	elapsed := time.Since(start)

	if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 400 {
		var line string
		if err != nil {
			line = fmt.Sprintf("%s dead: %v", ep.ID(), err)
		} else {
			line = fmt.Sprintf("%s dead: status %d", ep.ID(), resp.StatusCode)
		}
		c.finishOne(run, ep, outcome, line, opts)
		return
	}

	outcome.Status = types.StatusWorking
	outcome.LatencyMs = elapsed.Milliseconds()

	if opts.CheckAnonymity && selfAddr != "" {
		echo, echoErr := client.Fetch(ctx, opts.EchoURL)
		if echoErr != nil {
			l.Debug().Err(echoErr).Str("endpoint", ep.ID()).Msg("Echo probe failed, grading unknown.")
		} else {
			outcome.Anonymity = Classify(selfAddr, echo.Body)
		}
	}

	line := fmt.Sprintf("%s working: %dms %s", ep.ID(), outcome.LatencyMs, outcome.Anonymity)
	c.finishOne(run, ep, outcome, line, opts)
}

// finishOne appends the outcome, updates shared state, and persists. Working
// endpoints are written individually as they complete so a UI can reflect
// partial progress; dead ones are either written or collected for the
// batched deletion, depending on the run options.
func (c *Checker) finishOne(run *Run, ep types.Endpoint, outcome types.VerificationOutcome, line string, opts Options) {
	run.mu.Lock()
	run.outcomes = append(run.outcomes, outcome)
	collectDead := outcome.Status == types.StatusDead && opts.DeleteDeadOnCompletion
	if collectDead {
		run.deadIDs = append(run.deadIDs, outcome.ID)
	}
	run.mu.Unlock()

	if !collectDead {
		if err := c.store.Update(outcome.ID, outcome); err != nil {
			lg := logger.WithComponent("Checker")
			lg.Warn().Err(err).Str("endpoint", ep.ID()).Msg("Failed to persist outcome.")
		}
	}

	run.tracker.record(outcome, line)
}
