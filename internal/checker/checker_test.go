package checker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"proxypulse/internal/shared/types"
)

// mockStore records persistence calls for assertions.
type mockStore struct {
	mu          sync.Mutex
	updates     map[string]types.VerificationOutcome
	deleteCalls [][]string
}

func newMockStore() *mockStore {
	return &mockStore{updates: make(map[string]types.VerificationOutcome)}
}

func (m *mockStore) Update(id string, outcome types.VerificationOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = outcome
	return nil
}

func (m *mockStore) DeleteMany(ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := make([]string, len(ids))
	copy(call, ids)
	m.deleteCalls = append(m.deleteCalls, call)
	return len(ids), nil
}

func (m *mockStore) deleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deleteCalls)
}

func baseOptions(probeURL string) Options {
	return Options{
		Concurrency: 4,
		Timeout:     2 * time.Second,
		ProbeURL:    probeURL,
		LogCap:      100,
	}
}

func TestWorker_TakesNoQueueItemsAfterStop(t *testing.T) {
	store := newMockStore()
	c := New(store)

	run := &Run{
		ID:      "stopped",
		tracker: newTracker("stopped", 3, 100),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	run.Stop()

	// A loaded queue must stay untouched once stop is signaled, even though
	// its receive case is ready.
	queue := make(chan types.Endpoint, 3)
	for port := 1; port <= 3; port++ {
		queue <- types.Endpoint{Address: "127.0.0.1", Port: port, Kind: types.KindHTTP}
	}

	c.worker(context.Background(), run, queue, baseOptions("http://probe.invalid/ping"), "")

	if len(queue) != 3 {
		t.Errorf("Expected the queue untouched after stop, %d items left", len(queue))
	}
	if len(store.updates) != 0 {
		t.Errorf("Expected no persisted outcomes after stop, got %d", len(store.updates))
	}
	if snap := run.tracker.finish(types.RunCancelled); snap.Checked != 0 {
		t.Errorf("Expected 0 checked after stop, got %d", snap.Checked)
	}
}

func TestRun_RejectsInvalidOptions(t *testing.T) {
	c := New(newMockStore())

	_, err := c.Run(context.Background(), nil, Options{Concurrency: 0, ProbeURL: "http://x/"})
	if err == nil {
		t.Fatal("Expected error for non-positive concurrency.")
	}

	_, err = c.Run(context.Background(), []types.Endpoint{{Address: "a", Port: 1, Kind: "carrier-pigeon"}}, baseOptions("http://x/"))
	if !errors.Is(err, ErrUnsupportedTransport) {
		t.Fatalf("Expected ErrUnsupportedTransport, got %v", err)
	}
}

func TestRun_AllWorking(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	store := newMockStore()
	c := New(store)

	ep := endpointFor(t, proxy, types.KindHTTP)
	endpoints := []types.Endpoint{ep}

	run, err := c.Run(context.Background(), endpoints, baseOptions("http://probe.invalid/ping"))
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Status != types.StatusWorking {
		t.Errorf("Expected working, got %s", outcomes[0].Status)
	}
	if outcomes[0].Anonymity != types.GradeUnknown {
		t.Errorf("Expected unknown anonymity without checkAnonymity, got %s", outcomes[0].Anonymity)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.updates[ep.ID()]; !ok {
		t.Error("Expected working endpoint to be persisted individually.")
	}
}

func TestRun_LatencyMeasured(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	c := New(newMockStore())
	run, err := c.Run(context.Background(), []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, baseOptions("http://probe.invalid/ping"))
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if outcomes[0].Status != types.StatusWorking {
		t.Fatalf("Expected working, got %s", outcomes[0].Status)
	}
	if outcomes[0].LatencyMs < 120 {
		t.Errorf("Expected latency >= 120ms, got %dms", outcomes[0].LatencyMs)
	}
}

func TestRun_CountersAndOutcomeListComplete(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	deadProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer deadProxy.Close()

	working := endpointFor(t, proxy, types.KindHTTP)
	dead := endpointFor(t, deadProxy, types.KindHTTP)

	c := New(newMockStore())
	run, err := c.Run(context.Background(), []types.Endpoint{working, dead}, baseOptions("http://probe.invalid/ping"))
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if len(outcomes) != 2 {
		t.Fatalf("Expected outcome list of length 2, got %d", len(outcomes))
	}

	var final types.RunSnapshot
	for snap := range run.Snapshots() {
		final = snap
	}
	if final.Status != types.RunCompleted {
		t.Errorf("Expected completed, got %s", final.Status)
	}
	if final.Checked != 2 || final.Checked != final.Working+final.Dead {
		t.Errorf("Counter invariant violated: checked=%d working=%d dead=%d", final.Checked, final.Working, final.Dead)
	}
	if final.Working != 1 || final.Dead != 1 {
		t.Errorf("Expected 1 working and 1 dead, got working=%d dead=%d", final.Working, final.Dead)
	}
}

func TestRun_BatchedDeadDeletion(t *testing.T) {
	deadProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer deadProxy.Close()

	base := endpointFor(t, deadProxy, types.KindHTTP)
	endpoints := []types.Endpoint{base}
	// Same dead proxy under distinct identities: vary the address form.
	endpoints = append(endpoints, types.Endpoint{Address: "localhost", Port: base.Port, Kind: types.KindHTTP})

	store := newMockStore()
	c := New(store)

	opts := baseOptions("http://probe.invalid/ping")
	opts.DeleteDeadOnCompletion = true

	run, err := c.Run(context.Background(), endpoints, opts)
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != types.StatusDead {
			t.Errorf("Expected dead outcome for %s, got %s", o.ID, o.Status)
		}
	}

	if got := store.deleteCallCount(); got != 1 {
		t.Fatalf("Expected exactly one batched deletion call, got %d", got)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.deleteCalls[0]) != 2 {
		t.Errorf("Expected batch of 2 dead identities, got %v", store.deleteCalls[0])
	}
	if len(store.updates) != 0 {
		t.Errorf("Dead endpoints must not be persisted individually, got %d updates", len(store.updates))
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(newMockStore())
	run, err := c.Run(ctx, []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, baseOptions("http://probe.invalid/ping"))
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if len(outcomes) != 0 {
		t.Errorf("Expected no outcomes when cancelled before start, got %d", len(outcomes))
	}

	var final types.RunSnapshot
	for snap := range run.Snapshots() {
		final = snap
	}
	if final.Status != types.RunCancelled {
		t.Errorf("Expected cancelled terminal state, got %s", final.Status)
	}
	if final.Checked != 0 {
		t.Errorf("Expected checked == 0, got %d", final.Checked)
	}
}

func TestRun_StopIsIdempotent(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	c := New(newMockStore())
	run, err := c.Run(context.Background(), []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, baseOptions("http://probe.invalid/ping"))
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	run.Stop()
	run.Stop() // must not panic
	run.Wait()
}

func TestRun_AnonymityGrading(t *testing.T) {
	selfAddr := "203.0.113.9"

	selfSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(selfAddr))
	}))
	defer selfSrv.Close()

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			w.Write([]byte("Via: 1.1 proxy\nAccept: */*\n"))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer proxy.Close()

	c := New(newMockStore())
	opts := baseOptions("http://probe.invalid/ping")
	opts.CheckAnonymity = true
	opts.SelfAddressURL = selfSrv.URL
	opts.EchoURL = "http://probe.invalid/echo"

	run, err := c.Run(context.Background(), []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, opts)
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if outcomes[0].Status != types.StatusWorking {
		t.Fatalf("Expected working, got %s", outcomes[0].Status)
	}
	if outcomes[0].Anonymity != types.GradeAnonymous {
		t.Errorf("Expected anonymous grade, got %s", outcomes[0].Anonymity)
	}
}

func TestRun_SelfAddressFailureSkipsAnonymity(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	c := New(newMockStore())
	opts := baseOptions("http://probe.invalid/ping")
	opts.CheckAnonymity = true
	opts.SelfAddressURL = "http://127.0.0.1:1/self" // nothing listens here
	opts.EchoURL = "http://probe.invalid/echo"

	run, err := c.Run(context.Background(), []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, opts)
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	outcomes := run.Wait()

	if outcomes[0].Status != types.StatusWorking {
		t.Fatalf("Expected working, got %s", outcomes[0].Status)
	}
	if outcomes[0].Anonymity != types.GradeUnknown {
		t.Errorf("Expected unknown grade when self-address resolution fails, got %s", outcomes[0].Anonymity)
	}
}

func TestRun_ConcurrencyClampedToBatchSize(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	c := New(newMockStore())
	opts := baseOptions("http://probe.invalid/ping")
	opts.Concurrency = 64

	run, err := c.Run(context.Background(), []types.Endpoint{endpointFor(t, proxy, types.KindHTTP)}, opts)
	if err != nil {
		t.Fatalf("Run() returned an error: %v", err)
	}
	if got := len(run.Wait()); got != 1 {
		t.Fatalf("Expected 1 outcome, got %d", got)
	}
}
