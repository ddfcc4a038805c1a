package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the transport protocol an endpoint speaks on its listening port.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS4 Kind = "socks4"
	KindSOCKS5 Kind = "socks5"
)

// ParseKind normalizes a transport name. Unknown names return ok=false.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindHTTP:
		return KindHTTP, true
	case KindHTTPS:
		return KindHTTPS, true
	case KindSOCKS4:
		return KindSOCKS4, true
	case KindSOCKS5:
		return KindSOCKS5, true
	}
	return "", false
}

// Status is the result of one verification probe.
type Status string

const (
	StatusWorking Status = "working"
	StatusDead    Status = "dead"
)

// Grade classifies how much a proxy leaks about the caller.
type Grade string

const (
	GradeElite       Grade = "elite"
	GradeAnonymous   Grade = "anonymous"
	GradeTransparent Grade = "transparent"
	GradeUnknown     Grade = "unknown"
)

// Endpoint is one candidate proxy. Immutable once constructed.
// Identity is (Address, Port); everything else is descriptive.
type Endpoint struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Kind     Kind   `json:"kind"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// Scraper-supplied metadata, best effort. ScrapedAnonymity is the
	// label the provider claims; verification replaces it with a graded
	// value.
	Source           string `json:"source,omitempty"`
	Country          string `json:"country,omitempty"`
	ScrapedAnonymity Grade  `json:"scraped_anonymity,omitempty"`
}

// ID returns the endpoint identity string "address:port".
func (e Endpoint) ID() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// String renders the text-list representation: "address:port" or
// "address:port:username:password" when credentials are set.
func (e Endpoint) String() string {
	if e.Username != "" {
		return fmt.Sprintf("%s:%d:%s:%s", e.Address, e.Port, e.Username, e.Password)
	}
	return e.ID()
}

// VerificationOutcome is the immutable record produced once per endpoint
// per run. LatencyMs is meaningful only when Status is working.
type VerificationOutcome struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Anonymity Grade     `json:"anonymity"`
	CheckedAt time.Time `json:"checked_at"`
}

// RunStatus is the lifecycle of one verification run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// RunSnapshot is an immutable copy of the run state, emitted after every
// state change. The log slice is a copy and safe to retain.
type RunSnapshot struct {
	RunID        string               `json:"run_id"`
	Status       RunStatus            `json:"status"`
	Total        int                  `json:"total"`
	Checked      int                  `json:"checked"`
	Working      int                  `json:"working"`
	Dead         int                  `json:"dead"`
	DeletedCount int                  `json:"deleted_count"`
	Log          []string             `json:"log"`
	LastOutcome  *VerificationOutcome `json:"last_outcome,omitempty"`
}

// SourceListing describes one candidate provider. Read-only during a run.
type SourceListing struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Shape   string `json:"shape"` // "html", "text", "json"
	Enabled bool   `json:"enabled"`
}

// SourceEvent is emitted before and after each provider fetch.
type SourceEvent struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
	Status string `json:"status"` // "parsing", "done", "error"
	Error  string `json:"error,omitempty"`
}

// StoredEndpoint is the persisted shape of an endpoint plus its last
// known verification result.
type StoredEndpoint struct {
	Endpoint
	Status      Status    `json:"status,omitempty"`
	LatencyMs   int64     `json:"latency_ms,omitempty"`
	Anonymity   Grade     `json:"anonymity,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
}
