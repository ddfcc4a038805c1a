package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

const maxListingBytes = 8 * 1024 * 1024

// JSONAPISource fetches a JSON listing API. Providers disagree on field
// names, so each field is resolved through an alias list: address from
// ip/host/address, protocol from protocols[0]/protocol, anonymity from
// anonymityLevel/anonymity.
type JSONAPISource struct {
	name string
	url  string
}

func NewJSONAPISource(name, url string) *JSONAPISource {
	return &JSONAPISource{name: name, url: url}
}

func (s *JSONAPISource) Name() string {
	return s.name
}

// listingPayload accepts both `{"data": [...]}` envelopes and bare arrays.
type listingPayload struct {
	Data []map[string]any `json:"data"`
}

func (s *JSONAPISource) Fetch(ctx context.Context, client *http.Client) ([]types.Endpoint, error) {
	l := logger.WithComponent("Source/JSONAPI")
	l.Info().Str("source", s.name).Msg("Starting fetch...")

	req, err := newRequest(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch API for %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read API response for %s: %w", s.name, err)
	}

	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		var payload listingPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode API response for %s: %w", s.name, err)
		}
		items = payload.Data
	}

	var endpoints []types.Endpoint
	for _, item := range items {
		address := stringField(item, "ip", "host", "address")
		port := portField(item)
		if address == "" || port < 1 || port > 65535 {
			continue
		}

		kind, ok := types.ParseKind(protocolField(item))
		if !ok {
			kind = types.KindHTTP
		}

		endpoints = append(endpoints, types.Endpoint{
			Address:          address,
			Port:             port,
			Kind:             kind,
			Source:           s.name,
			Country:          stringField(item, "country"),
			ScrapedAnonymity: mapAnonymityLabel(stringField(item, "anonymityLevel", "anonymity")),
		})
	}

	l.Info().Int("count", len(endpoints)).Str("source", s.name).Msg("Fetch finished.")
	return endpoints, nil
}

// stringField returns the first alias present as a non-empty string.
func stringField(item map[string]any, aliases ...string) string {
	for _, key := range aliases {
		if v, ok := item[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// portField accepts both numeric and string ports.
func portField(item map[string]any) int {
	switch v := item["port"].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}

// protocolField resolves protocols[0] first, then the singular protocol key.
func protocolField(item map[string]any) string {
	if list, ok := item["protocols"].([]any); ok && len(list) > 0 {
		if p, ok := list[0].(string); ok {
			return p
		}
	}
	if p, ok := item["protocol"].(string); ok {
		return p
	}
	return ""
}
