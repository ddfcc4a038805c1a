package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxypulse/internal/shared/types"
)

// Header names whose presence in an echoed request reveals that a proxy sat
// in the path, without necessarily leaking the caller's address.
var proxyRevealingHeaders = []string{
	"x-forwarded-for",
	"x-real-ip",
	"via",
	"x-proxy",
	"forwarded",
	"proxy-connection",
}

// Classify grades an endpoint from the verifier's own public address and the
// headers a probe target echoed back. It is a pure function; rules are
// evaluated in order and the first match wins:
//
//  1. selfAddr appears anywhere in the echoed headers -> transparent
//  2. any proxy-revealing header name is present      -> anonymous
//  3. otherwise                                        -> elite
func Classify(selfAddr, echoedHeaders string) types.Grade {
	lower := strings.ToLower(echoedHeaders)

	if selfAddr != "" && strings.Contains(lower, strings.ToLower(selfAddr)) {
		return types.GradeTransparent
	}

	for _, name := range proxyRevealingHeaders {
		if containsHeaderName(lower, name) {
			return types.GradeAnonymous
		}
	}

	return types.GradeElite
}

// containsHeaderName reports whether name occurs as a header name rather than
// as a fragment of another token or of a value. A match must not be preceded
// by a token character and must be followed by a colon, optionally through a
// closing quote so JSON-echoed header maps ({"Via": "..."}) count too.
func containsHeaderName(blob, name string) bool {
	for i := 0; i+len(name) <= len(blob); {
		j := strings.Index(blob[i:], name)
		if j < 0 {
			return false
		}
		j += i
		i = j + 1

		if j > 0 && isTokenChar(blob[j-1]) {
			continue
		}
		k := j + len(name)
		if k < len(blob) && blob[k] == '"' {
			k++
		}
		if k < len(blob) && blob[k] == ':' {
			return true
		}
	}
	return false
}

func isTokenChar(c byte) bool {
	return c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ResolveSelfAddress asks an external "what is my address" service for the
// verifier's public address, without going through any proxy. It is called
// once per run; on failure anonymity checking is skipped for the whole run.
func ResolveSelfAddress(ctx context.Context, rawURL string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("self-address probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(body))
	if addr == "" {
		return "", fmt.Errorf("self-address probe returned an empty body")
	}
	return addr, nil
}
