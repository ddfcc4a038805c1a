package source

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// SSLProxiesSource 使用 colly 抓取 www.sslproxies.org 的免费代理。
// It is a built-in provider; the table shares the tabular layout of the
// generic HTML sources but the site is rendered with per-row markup that is
// easier to walk with colly's HTML callbacks.
type SSLProxiesSource struct {
	url     string
	timeout time.Duration
}

// NewSSLProxiesSource builds the provider with the aggregator's configured
// fetch timeout, so it follows the same deadline as the generic sources.
func NewSSLProxiesSource(timeout time.Duration) *SSLProxiesSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SSLProxiesSource{url: "https://www.sslproxies.org/", timeout: timeout}
}

func (s *SSLProxiesSource) Name() string {
	return "sslproxies.org"
}

func (s *SSLProxiesSource) Fetch(ctx context.Context, client *http.Client) ([]types.Endpoint, error) {
	l := logger.WithComponent("Source/SSLProxies")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(s.timeout)
	if transport, ok := client.Transport.(*http.Transport); ok {
		collector.WithTransport(transport)
	}

	var (
		mu        sync.Mutex
		endpoints []types.Endpoint
		scrapeErr error
	)

	collector.OnHTML("table tbody tr", func(e *colly.HTMLElement) {
		cells := e.ChildTexts("td")
		if len(cells) < 7 {
			return
		}

		address := strings.TrimSpace(cells[0])
		port, err := strconv.Atoi(strings.TrimSpace(cells[1]))
		if err != nil || address == "" || port < 1 || port > 65535 {
			return
		}

		kind := types.KindHTTP
		if strings.EqualFold(strings.TrimSpace(cells[6]), "yes") {
			kind = types.KindHTTPS
		}

		mu.Lock()
		endpoints = append(endpoints, types.Endpoint{
			Address:          address,
			Port:             port,
			Kind:             kind,
			Source:           s.Name(),
			Country:          strings.TrimSpace(cells[2]),
			ScrapedAnonymity: mapAnonymityLabel(cells[4]),
		})
		mu.Unlock()
	})

	collector.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("source", s.Name()).Msg("Scrape request failed.")
		scrapeErr = err
	})

	if err := collector.Visit(s.url); err != nil {
		return nil, err
	}
	collector.Wait()

	if scrapeErr != nil {
		return nil, scrapeErr
	}

	l.Info().Int("count", len(endpoints)).Str("source", s.Name()).Msg("Scrape finished.")
	return endpoints, nil
}
