package source

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

// kindPlaceholder in a text listing URL is replaced with the transport kind
// the source is fetched for.
const kindPlaceholder = "{kind}"

// PlainTextSource fetches delimited listings: one "address:port" per line.
// The lines carry no protocol, so one instance exists per requested
// transport kind and tags every candidate with it.
type PlainTextSource struct {
	name string
	url  string
	kind types.Kind
}

func NewPlainTextSource(name, urlTemplate string, kind types.Kind) *PlainTextSource {
	return &PlainTextSource{
		name: fmt.Sprintf("%s/%s", name, kind),
		url:  strings.ReplaceAll(urlTemplate, kindPlaceholder, string(kind)),
		kind: kind,
	}
}

func (s *PlainTextSource) Name() string {
	return s.name
}

func (s *PlainTextSource) Fetch(ctx context.Context, client *http.Client) ([]types.Endpoint, error) {
	l := logger.WithComponent("Source/PlainText")
	l.Info().Str("source", s.name).Msg("Starting fetch...")

	req, err := newRequest(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch listing for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	var endpoints []types.Endpoint
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		address, portStr, found := strings.Cut(line, ":")
		if !found || address == "" {
			l.Debug().Str("line", line).Str("source", s.name).Msg("Skipping malformed line.")
			continue
		}

		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port < 1 || port > 65535 {
			l.Debug().Str("line", line).Str("source", s.name).Msg("Invalid port, skipping line.")
			continue
		}

		endpoints = append(endpoints, types.Endpoint{
			Address: strings.TrimSpace(address),
			Port:    port,
			Kind:    s.kind,
			Source:  s.name,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read listing body for %s: %w", s.name, err)
	}

	l.Info().Int("count", len(endpoints)).Str("source", s.name).Msg("Fetch finished.")
	return endpoints, nil
}
