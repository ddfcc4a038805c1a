package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxypulse/internal/shared/config"
	"proxypulse/internal/shared/logger"
	"proxypulse/internal/shared/types"
)

const (
	delimiter = "|"
	numFields = 13 // ID|Address|Port|Kind|Username|Password|Source|Country|ScrapedAnonymity|Status|LatencyMs|Anonymity|LastChecked

	// Writes are buffered: the file is rewritten after flushAfterWrites
	// accumulated mutations or after flushIdleInterval without new ones,
	// whichever comes first.
	flushAfterWrites  = 64
	flushIdleInterval = 2 * time.Second
)

// Filters narrows GetAll results. Zero values match everything.
type Filters struct {
	Kinds  []types.Kind
	Status types.Status
}

func (f *Filters) match(rec *types.StoredEndpoint) bool {
	if f == nil {
		return true
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if strings.EqualFold(string(k), string(rec.Kind)) {
			return true
		}
	}
	return false
}

// Store 接口定义了端点数据持久化的行为。
type Store interface {
	GetAll(filters *Filters) ([]*types.StoredEndpoint, error)
	UpsertMany(endpoints []*types.StoredEndpoint) (int, error)
	Update(id string, outcome types.VerificationOutcome) error
	DeleteMany(ids []string) (int, error)
	Clear() error
	GetSources() ([]*types.SourceListing, error)
	GetSettings() (map[string]string, error)
	SaveSetting(key, value string) error
	Close() error
}

// FileStore 实现了 Store 接口，使用纯文本文件进行持久化。
// The endpoint map lives in memory; mutations mark it dirty and a buffered
// flush rewrites the file. Settings and source listings are small JSON
// sidecar files written through immediately.
type FileStore struct {
	path         string
	sourcesPath  string
	settingsPath string

	mu       sync.RWMutex
	records  map[string]*types.StoredEndpoint
	settings map[string]string

	pending    int
	flushTimer *time.Timer
	closed     bool
}

// NewFileStore loads the data files under dataDir, creating the directory if
// needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	fs := &FileStore{
		path:         dataDir + "/endpoints.txt",
		sourcesPath:  dataDir + "/sources.json",
		settingsPath: dataDir + "/settings.json",
		records:      make(map[string]*types.StoredEndpoint),
		settings:     make(map[string]string),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	if err := fs.loadSettings(); err != nil {
		return nil, err
	}
	return fs, nil
}

var _ Store = (*FileStore)(nil)

// GetAll returns a filtered snapshot sorted by endpoint identity.
func (fs *FileStore) GetAll(filters *Filters) ([]*types.StoredEndpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]*types.StoredEndpoint, 0, len(fs.records))
	for _, rec := range fs.records {
		if filters.match(rec) {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// UpsertMany inserts or replaces endpoints keyed by (address, port) and
// returns how many records were newly inserted.
func (fs *FileStore) UpsertMany(endpoints []*types.StoredEndpoint) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inserted := 0
	for _, ep := range endpoints {
		id := ep.ID()
		if _, exists := fs.records[id]; !exists {
			inserted++
		}
		c := *ep
		fs.records[id] = &c
	}
	if len(endpoints) > 0 {
		fs.markDirtyLocked()
	}
	return inserted, nil
}

// Update merges one verification outcome into the stored record. Unknown
// identities get a minimal record so import-then-verify flows never lose a
// result.
func (fs *FileStore) Update(id string, outcome types.VerificationOutcome) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec, ok := fs.records[id]
	if !ok {
		address, portStr, found := strings.Cut(id, ":")
		if !found {
			return fmt.Errorf("invalid endpoint id %q", id)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid endpoint id %q: %w", id, err)
		}
		rec = &types.StoredEndpoint{Endpoint: types.Endpoint{Address: address, Port: port, Kind: types.KindHTTP}}
		fs.records[id] = rec
	}

	rec.Status = outcome.Status
	rec.LatencyMs = outcome.LatencyMs
	rec.Anonymity = outcome.Anonymity
	rec.LastChecked = outcome.CheckedAt
	fs.markDirtyLocked()
	return nil
}

// DeleteMany removes a batch of identities and returns how many existed.
func (fs *FileStore) DeleteMany(ids []string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, exists := fs.records[id]; exists {
			delete(fs.records, id)
			deleted++
		}
	}
	if deleted > 0 {
		fs.markDirtyLocked()
	}
	return deleted, nil
}

// Clear drops every endpoint record.
func (fs *FileStore) Clear() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.records = make(map[string]*types.StoredEndpoint)
	fs.markDirtyLocked()
	return nil
}

// GetSources reads the configured provider listings.
func (fs *FileStore) GetSources() ([]*types.SourceListing, error) {
	return config.LoadSources(fs.sourcesPath)
}

// SaveSources persists the provider listings.
func (fs *FileStore) SaveSources(listings []*types.SourceListing) error {
	return config.SaveSources(fs.sourcesPath, listings)
}

// GetSettings returns a copy of the settings map.
func (fs *FileStore) GetSettings() (map[string]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	out := make(map[string]string, len(fs.settings))
	for k, v := range fs.settings {
		out[k] = v
	}
	return out, nil
}

// SaveSetting writes one key through to the settings file immediately.
func (fs *FileStore) SaveSetting(key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.settings[key] = value
	data, err := json.MarshalIndent(fs.settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.settingsPath, data, 0644)
}

// Close stops the flush timer and writes any pending mutations.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	if fs.flushTimer != nil {
		fs.flushTimer.Stop()
	}
	if fs.pending > 0 {
		return fs.flushLocked()
	}
	return nil
}

// markDirtyLocked implements the buffered write policy. Callers must hold
// fs.mu for writing.
func (fs *FileStore) markDirtyLocked() {
	fs.pending++
	if fs.pending >= flushAfterWrites {
		if err := fs.flushLocked(); err != nil {
			lg := logger.WithComponent("Storage")
			lg.Error().Err(err).Msg("Failed to flush endpoint records.")
		}
		return
	}
	if fs.flushTimer == nil {
		fs.flushTimer = time.AfterFunc(flushIdleInterval, fs.flushIdle)
	} else {
		fs.flushTimer.Reset(flushIdleInterval)
	}
}

func (fs *FileStore) flushIdle() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed || fs.pending == 0 {
		return
	}
	if err := fs.flushLocked(); err != nil {
		lg := logger.WithComponent("Storage")
		lg.Error().Err(err).Msg("Idle flush failed.")
	}
}

// flushLocked rewrites the whole file, sorted by ID for stable diffs.
func (fs *FileStore) flushLocked() error {
	list := make([]*types.StoredEndpoint, 0, len(fs.records))
	for _, rec := range fs.records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID() < list[j].ID() })

	var sb strings.Builder
	for _, rec := range list {
		sb.WriteString(formatRecord(rec))
		sb.WriteString("\n")
	}

	if err := os.WriteFile(fs.path, []byte(sb.String()), 0644); err != nil {
		return err
	}
	fs.pending = 0
	return nil
}

func (fs *FileStore) load() error {
	l := logger.WithComponent("Storage")

	file, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.path).Msg("Endpoint data file not found, starting with an empty store.")
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in endpoint file.")
			continue
		}

		rec, err := parseRecord(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse endpoint record, skipping.")
			continue
		}
		fs.records[rec.ID()] = rec
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	l.Info().Int("count", len(fs.records)).Msg("Loaded endpoint records from file.")
	return nil
}

func (fs *FileStore) loadSettings() error {
	data, err := os.ReadFile(fs.settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &fs.settings)
}

// formatRecord 将 StoredEndpoint 对象格式化为一行文本。
func formatRecord(rec *types.StoredEndpoint) string {
	var lastChecked int64
	if !rec.LastChecked.IsZero() {
		lastChecked = rec.LastChecked.Unix()
	}
	return strings.Join([]string{
		rec.ID(),
		rec.Address,
		strconv.Itoa(rec.Port),
		string(rec.Kind),
		rec.Username,
		rec.Password,
		rec.Source,
		rec.Country,
		string(rec.ScrapedAnonymity),
		string(rec.Status),
		strconv.FormatInt(rec.LatencyMs, 10),
		string(rec.Anonymity),
		strconv.FormatInt(lastChecked, 10),
	}, delimiter)
}

// parseRecord 从字符串切片解析出一个 StoredEndpoint 对象。
func parseRecord(fields []string) (*types.StoredEndpoint, error) {
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	latencyMs, err := strconv.ParseInt(fields[10], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}

	lastCheckedUnix, err := strconv.ParseInt(fields[12], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid last_checked: %w", err)
	}

	rec := &types.StoredEndpoint{
		Endpoint: types.Endpoint{
			Address:          fields[1],
			Port:             port,
			Kind:             types.Kind(fields[3]),
			Username:         fields[4],
			Password:         fields[5],
			Source:           fields[6],
			Country:          fields[7],
			ScrapedAnonymity: types.Grade(fields[8]),
		},
		Status:    types.Status(fields[9]),
		LatencyMs: latencyMs,
		Anonymity: types.Grade(fields[11]),
	}
	if lastCheckedUnix > 0 {
		rec.LastChecked = time.Unix(lastCheckedUnix, 0)
	}
	return rec, nil
}
