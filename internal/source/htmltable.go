package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// HTMLTableSource 抓取表格式 HTML 免费代理列表。
// Row layout: address, port, country code, (region), anonymity label,
// (google), HTTPS-support flag. The anonymity label is mapped by substring.
type HTMLTableSource struct {
	name string
	url  string
}

func NewHTMLTableSource(name, url string) *HTMLTableSource {
	return &HTMLTableSource{name: name, url: url}
}

func (s *HTMLTableSource) Name() string {
	return s.name
}

func (s *HTMLTableSource) Fetch(ctx context.Context, client *http.Client) ([]types.Endpoint, error) {
	l := logger.WithComponent("Source/HTMLTable")
	l.Info().Str("source", s.name).Msg("Starting scrape...")

	req, err := newRequest(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.name, err)
	}

	var endpoints []types.Endpoint
	doc.Find("table tbody tr").Each(func(_ int, sel *goquery.Selection) {
		address := strings.TrimSpace(sel.Find("td").Eq(0).Text())
		portStr := strings.TrimSpace(sel.Find("td").Eq(1).Text())
		if address == "" || portStr == "" {
			return
		}

		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			l.Warn().Str("address", address).Str("port", portStr).Str("source", s.name).Msg("Failed to parse port, skipping row.")
			return
		}

		country := strings.TrimSpace(sel.Find("td").Eq(2).Text())
		anonymityLabel := strings.TrimSpace(sel.Find("td").Eq(4).Text())
		httpsFlag := strings.TrimSpace(sel.Find("td").Eq(6).Text())

		kind := types.KindHTTP
		if strings.EqualFold(httpsFlag, "yes") {
			kind = types.KindHTTPS
		}

		endpoints = append(endpoints, types.Endpoint{
			Address:          address,
			Port:             port,
			Kind:             kind,
			Source:           s.name,
			Country:          country,
			ScrapedAnonymity: mapAnonymityLabel(anonymityLabel),
		})
	})

	l.Info().Int("count", len(endpoints)).Str("source", s.name).Msg("Scrape finished.")
	return endpoints, nil
}

// mapAnonymityLabel maps a provider's anonymity column by substring match.
func mapAnonymityLabel(label string) types.Grade {
	lower := strings.ToLower(label)
	switch {
	case strings.Contains(lower, "elite"):
		return types.GradeElite
	case strings.Contains(lower, "anonymous"):
		return types.GradeAnonymous
	default:
		return types.GradeTransparent
	}
}
