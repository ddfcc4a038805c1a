package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Source 接口定义了从代理源抓取候选端点的行为。
type Source interface {
	// Fetch performs the listing download and returns normalized candidates.
	// Implementations only scrape and parse; they never verify.
	Fetch(ctx context.Context, client *http.Client) ([]types.Endpoint, error)

	// Name returns the provider name, used for logging and progress events.
	Name() string
}

// Filters restricts aggregation results. An empty kind list allows all.
type Filters struct {
	Kinds []types.Kind
}

func (f Filters) allows(k types.Kind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, want := range f.Kinds {
		if strings.EqualFold(string(want), string(k)) {
			return true
		}
	}
	return false
}

// Aggregator fetches raw listings from independent providers through one
// shared egress client and collapses them into a deduplicated candidate set.
type Aggregator struct {
	client  *http.Client
	timeout time.Duration
}

// NewAggregator builds the shared fetch client. egressProxy, when set, routes
// every listing download through it (for geo-blocked provider sites).
func NewAggregator(egressProxy string, timeout time.Duration) (*Aggregator, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	if egressProxy != "" {
		proxyURL, err := url.Parse(egressProxy)
		if err != nil {
			return nil, fmt.Errorf("invalid egress proxy %q: %w", egressProxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Aggregator{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		timeout: timeout,
	}, nil
}

// FetchCandidates fetches all sources concurrently, emits a progress event
// before and after each one, then filters by the requested transport kinds
// and deduplicates by (address, port) identity, first-seen wins. One
// source's failure never aborts the others.
func (a *Aggregator) FetchCandidates(ctx context.Context, sources []Source, filters Filters, events chan<- types.SourceEvent) []types.Endpoint {
	l := logger.WithComponent("Aggregator")
	l.Info().Int("sources", len(sources)).Msg("Starting aggregation cycle...")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	collected := make([]types.Endpoint, 0)

	for _, s := range sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()

			emit(events, types.SourceEvent{Source: src.Name(), Status: "parsing"})

			endpoints, err := src.Fetch(ctx, a.client)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source fetch failed.")
				emit(events, types.SourceEvent{Source: src.Name(), Status: "error", Error: err.Error()})
				return
			}

			mu.Lock()
			collected = append(collected, endpoints...)
			mu.Unlock()

			l.Info().Int("count", len(endpoints)).Str("source", src.Name()).Msg("Source fetch finished.")
			emit(events, types.SourceEvent{Source: src.Name(), Count: len(endpoints), Status: "done"})
		}(s)
	}
	wg.Wait()

	filtered := make([]types.Endpoint, 0, len(collected))
	for _, ep := range collected {
		if filters.allows(ep.Kind) {
			filtered = append(filtered, ep)
		}
	}

	result := dedupe(filtered)
	l.Info().
		Int("collected", len(collected)).
		Int("after_filter", len(filtered)).
		Int("after_dedupe", len(result)).
		Msg("Aggregation cycle finished.")
	return result
}

// dedupe collapses candidates by endpoint identity, keeping the first-seen
// record.
func dedupe(endpoints []types.Endpoint) []types.Endpoint {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]types.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		id := ep.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, ep)
	}
	return out
}

// emit never blocks aggregation on a slow or absent listener.
func emit(events chan<- types.SourceEvent, ev types.SourceEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

// newRequest builds a GET with the shared realistic User-Agent.
func newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return req, nil
}

// FromListings maps configured source listings onto concrete scrapers.
// Disabled listings and unknown shapes are skipped. Text listings are
// fetched once per requested transport kind, since the plain address:port
// lines carry no protocol of their own.
func FromListings(listings []*types.SourceListing, filters Filters) []Source {
	l := logger.WithComponent("Aggregator")
	kinds := filters.Kinds
	if len(kinds) == 0 {
		kinds = []types.Kind{types.KindHTTP, types.KindHTTPS, types.KindSOCKS4, types.KindSOCKS5}
	}

	var sources []Source
	for _, listing := range listings {
		if !listing.Enabled {
			continue
		}
		switch strings.ToLower(listing.Shape) {
		case "html":
			sources = append(sources, NewHTMLTableSource(listing.Name, listing.URL))
		case "text":
			for _, kind := range kinds {
				sources = append(sources, NewPlainTextSource(listing.Name, listing.URL, kind))
			}
		case "json":
			sources = append(sources, NewJSONAPISource(listing.Name, listing.URL))
		default:
			l.Warn().Str("source", listing.Name).Str("shape", listing.Shape).Msg("Unknown source shape, skipping.")
		}
	}
	return sources
}
