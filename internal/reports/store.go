package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store persists reclaim reports.
type Store interface {
	Save(ctx context.Context, r *ReclaimReport) error
	Get(ctx context.Context, runID string) (*ReclaimReport, error)
	// List returns the newest reports first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*ReclaimReport, error)
}

func checkRunID(runID string) error {
	if _, err := uuid.Parse(runID); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	return nil
}

func sortNewest(out []*ReclaimReport, limit int) []*ReclaimReport {
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FileStore writes one <runID>.json per report into a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir is the reports directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes r atomically.
func (s *FileStore) Save(_ context.Context, r *ReclaimReport) error {
	if err := checkRunID(r.RunID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("reports: encode: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("reports: mkdir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, "."+r.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("reports: create temp: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("reports: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("reports: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("reports: close: %w", err)
	}
	if err := os.Rename(name, s.path(r.RunID)); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("reports: rename: %w", err)
	}
	reportsSaved.WithLabelValues("file").Inc()
	return nil
}

// Get reads one report.
func (s *FileStore) Get(_ context.Context, runID string) (*ReclaimReport, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reports: read: %w", err)
	}
	var r ReclaimReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("reports: decode %s: %w", runID, err)
	}
	return &r, nil
}

// List reads every report in the directory. Unreadable files are skipped.
func (s *FileStore) List(ctx context.Context, limit int) ([]*ReclaimReport, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reports: read dir: %w", err)
	}
	var out []*ReclaimReport
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		r, err := s.Get(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return sortNewest(out, limit), nil
}

// MemoryStore keeps reports in memory.
type MemoryStore struct {
	mu      sync.Mutex
	reports map[string]*ReclaimReport
	SaveErr error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*ReclaimReport)}
}

func (m *MemoryStore) Save(_ context.Context, r *ReclaimReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	cp := *r
	cp.Outcomes = append([]AccountOutcome(nil), r.Outcomes...)
	cp.Errors = append([]RunError(nil), r.Errors...)
	m.reports[r.RunID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (*ReclaimReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[runID]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*ReclaimReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReclaimReport, 0, len(m.reports))
	for _, r := range m.reports {
		cp := *r
		out = append(out, &cp)
	}
	return sortNewest(out, limit), nil
}

// MultiStore saves to a primary store and mirrors to secondaries. Mirror
// failures are logged, never returned. Reads go to the primary.
type MultiStore struct {
	primary Store
	mirrors []Store
	logger  *slog.Logger
}

var _ Store = (*MultiStore)(nil)

// NewMultiStore fans saves out from primary to mirrors.
func NewMultiStore(logger *slog.Logger, primary Store, mirrors ...Store) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStore{primary: primary, mirrors: mirrors, logger: logger}
}

func (m *MultiStore) Save(ctx context.Context, r *ReclaimReport) error {
	if err := m.primary.Save(ctx, r); err != nil {
		return err
	}
	for _, s := range m.mirrors {
		if err := s.Save(ctx, r); err != nil {
			reportMirrorErrors.Inc()
			m.logger.Warn("report mirror save failed", "run_id", r.RunID, "error", err)
		}
	}
	return nil
}

func (m *MultiStore) Get(ctx context.Context, runID string) (*ReclaimReport, error) {
	return m.primary.Get(ctx, runID)
}

func (m *MultiStore) List(ctx context.Context, limit int) ([]*ReclaimReport, error) {
	return m.primary.List(ctx, limit)
}
