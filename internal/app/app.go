package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxypulse/internal/checker"
	"proxypulse/internal/service/web"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
	"proxypulse/internal/source"
	"proxypulse/internal/storage"
)

// App wires the verification engine, the source aggregator, the store, and
// the web shell together. It implements web.ServerController.
type App struct {
	cfg     *types.Config
	store   *storage.FileStore
	checker *checker.Checker
	hub     *web.Hub

	mu   sync.Mutex
	runs map[string]*checker.Run

	waitGroup sync.WaitGroup
}

var _ web.ServerController = (*App)(nil)

func New(cfg *types.Config) (*App, error) {
	store, err := storage.NewFileStore(cfg.CommonConf.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	return &App{
		cfg:     cfg,
		store:   store,
		checker: checker.New(store),
		hub:     web.NewHub(),
		runs:    make(map[string]*checker.Run),
	}, nil
}

// Start brings up the hub and the web API.
func (a *App) Start() {
	go a.hub.Run()
	web.StartServer(&a.waitGroup, a.cfg, a, a.hub)
}

// Shutdown flushes the store. Active runs are stopped cooperatively.
func (a *App) Shutdown() {
	a.mu.Lock()
	for _, run := range a.runs {
		run.Stop()
	}
	a.mu.Unlock()

	if err := a.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to flush store on shutdown.")
	}
	logger.Info().Msg("Application gracefully stopped.")
}

// StartVerification launches a verification run over stored endpoints and
// returns its run ID. Snapshots are pumped into the WebSocket hub.
func (a *App) StartVerification(req web.VerifyRequest) (string, error) {
	endpoints, err := a.selectEndpoints(req.IDs)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", fmt.Errorf("no endpoints to verify")
	}

	opts := checker.Options{
		Concurrency:            a.cfg.CheckerConf.Concurrency,
		Timeout:                time.Duration(a.cfg.CheckerConf.TimeoutMs) * time.Millisecond,
		ProbeURL:               a.cfg.CheckerConf.ProbeURL,
		EchoURL:                a.cfg.CheckerConf.EchoURL,
		SelfAddressURL:         a.cfg.CheckerConf.SelfAddressURL,
		CheckAnonymity:         req.CheckAnonymity,
		DeleteDeadOnCompletion: req.DeleteDeadOnCompletion,
		LogCap:                 a.cfg.CheckerConf.LogCap,
	}
	if req.Concurrency > 0 {
		opts.Concurrency = req.Concurrency
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if req.ProbeURL != "" {
		opts.ProbeURL = req.ProbeURL
	}

	run, err := a.checker.Run(context.Background(), endpoints, opts)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.runs[run.ID] = run
	a.mu.Unlock()

	go a.pumpRun(run)
	return run.ID, nil
}

// pumpRun forwards run snapshots to the hub until the terminal one.
func (a *App) pumpRun(run *checker.Run) {
	var last types.RunSnapshot
	for snap := range run.Snapshots() {
		last = snap
		a.hub.BroadcastRunSnapshot(snap)
	}
	a.hub.BroadcastRunDone(last)

	a.mu.Lock()
	delete(a.runs, run.ID)
	a.mu.Unlock()
}

// StopRun requests cooperative cancellation of one run.
func (a *App) StopRun(runID string) error {
	a.mu.Lock()
	run, ok := a.runs[runID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active run with id %s", runID)
	}
	run.Stop()
	return nil
}

// ActiveRuns lists the IDs of runs that have not yet terminated.
func (a *App) ActiveRuns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.runs))
	for id := range a.runs {
		ids = append(ids, id)
	}
	return ids
}

// StartAggregation fetches candidates from the selected providers in the
// background and upserts them into the store.
func (a *App) StartAggregation(req web.AggregateRequest) error {
	filters := source.Filters{}
	for _, k := range req.Kinds {
		kind, ok := types.ParseKind(k)
		if !ok {
			return fmt.Errorf("unknown transport kind %q", k)
		}
		filters.Kinds = append(filters.Kinds, kind)
	}

	listings, err := a.store.GetSources()
	if err != nil {
		return fmt.Errorf("failed to load source listings: %w", err)
	}
	listings = selectListings(listings, req.Sources)

	fetchTimeout := time.Duration(a.cfg.SourcesConf.FetchTimeoutMs) * time.Millisecond

	sources := source.FromListings(listings, filters)
	if includeSource(req.Sources, "sslproxies.org") {
		sources = append(sources, source.NewSSLProxiesSource(fetchTimeout))
	}
	if len(sources) == 0 {
		return fmt.Errorf("no enabled sources selected")
	}

	aggregator, err := source.NewAggregator(a.cfg.SourcesConf.EgressProxy, fetchTimeout)
	if err != nil {
		return err
	}

	go func() {
		events := make(chan types.SourceEvent, 256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				a.hub.BroadcastSourceEvent(ev)
			}
		}()

		candidates := aggregator.FetchCandidates(context.Background(), sources, filters, events)
		close(events)
		<-done

		stored := make([]*types.StoredEndpoint, 0, len(candidates))
		for _, ep := range candidates {
			stored = append(stored, &types.StoredEndpoint{Endpoint: ep})
		}
		inserted, err := a.store.UpsertMany(stored)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to store aggregated candidates.")
			return
		}
		logger.Info().Int("candidates", len(candidates)).Int("new", inserted).Msg("Aggregation stored.")
	}()

	return nil
}

// ListEndpoints returns stored endpoints, optionally narrowed by kind and
// status.
func (a *App) ListEndpoints(kind, status string) ([]*types.StoredEndpoint, error) {
	filters := &storage.Filters{}
	if kind != "" {
		k, ok := types.ParseKind(kind)
		if !ok {
			return nil, fmt.Errorf("unknown transport kind %q", kind)
		}
		filters.Kinds = []types.Kind{k}
	}
	if status != "" {
		filters.Status = types.Status(strings.ToLower(status))
	}
	return a.store.GetAll(filters)
}

// ImportEndpoints parses a pasted text list, one address:port[:user:pass]
// per line, and upserts the result. Malformed lines are skipped.
func (a *App) ImportEndpoints(lines []string, kindStr string) (int, error) {
	kind, ok := types.ParseKind(kindStr)
	if !ok {
		return 0, fmt.Errorf("unknown transport kind %q", kindStr)
	}

	l := logger.WithComponent("App")
	stored := make([]*types.StoredEndpoint, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 2 && len(parts) != 4 {
			l.Warn().Str("line", line).Msg("Invalid endpoint format, skipping.")
			continue
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 1 || port > 65535 {
			l.Warn().Str("line", line).Msg("Invalid port, skipping.")
			continue
		}

		ep := types.Endpoint{
			Address: parts[0],
			Port:    port,
			Kind:    kind,
			Source:  "manual-import",
		}
		if len(parts) == 4 {
			ep.Username = parts[2]
			ep.Password = parts[3]
		}
		stored = append(stored, &types.StoredEndpoint{Endpoint: ep})
	}

	return a.store.UpsertMany(stored)
}

// DeleteEndpoints removes stored endpoints by identity.
func (a *App) DeleteEndpoints(ids []string) (int, error) {
	return a.store.DeleteMany(ids)
}

// ClearEndpoints drops every stored endpoint.
func (a *App) ClearEndpoints() error {
	return a.store.Clear()
}

// GetSources exposes the configured provider listings.
func (a *App) GetSources() ([]*types.SourceListing, error) {
	return a.store.GetSources()
}

// selectEndpoints maps stored records onto verification candidates.
func (a *App) selectEndpoints(ids []string) ([]types.Endpoint, error) {
	records, err := a.store.GetAll(nil)
	if err != nil {
		return nil, err
	}

	var idSet map[string]struct{}
	if len(ids) > 0 {
		idSet = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			idSet[id] = struct{}{}
		}
	}

	endpoints := make([]types.Endpoint, 0, len(records))
	for _, rec := range records {
		if idSet != nil {
			if _, ok := idSet[rec.ID()]; !ok {
				continue
			}
		}
		endpoints = append(endpoints, rec.Endpoint)
	}
	return endpoints, nil
}

func selectListings(listings []*types.SourceListing, names []string) []*types.SourceListing {
	if len(names) == 0 {
		return listings
	}
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[strings.ToLower(n)] = struct{}{}
	}
	out := make([]*types.SourceListing, 0, len(listings))
	for _, l := range listings {
		if _, ok := nameSet[strings.ToLower(l.Name)]; ok {
			out = append(out, l)
		}
	}
	return out
}

// includeSource reports whether the built-in provider should run: always
// when no explicit selection was made, otherwise only when named.
func includeSource(names []string, name string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
