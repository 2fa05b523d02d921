// Package resume keeps post-broadcast orders that still need a disbursement
// or a final status, keyed by transfer reference, and drives them to an end.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rampflow/internal/metrics"
	"rampflow/internal/ramp"
)

// Reasons an entry is queued.
const (
	ReasonDisbursement = "disbursement"
	ReasonPolling      = "polling"
)

var ErrNotFound = errors.New("no resume entry for transfer reference")

type Entry struct {
	TransferReference string                 `json:"transferReference"`
	FlowID            string                 `json:"flowId,omitempty"`
	Provider          string                 `json:"provider"`
	Order             ramp.DisbursementOrder `json:"order"`
	Reason            string                 `json:"reason"`
	Kind              ramp.Kind              `json:"kind,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Attempts          int                    `json:"attempts"`
	EnqueuedAt        time.Time              `json:"enqueuedAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Queue stores one JSON file per transfer reference under dir. A nil *Queue
// accepts nothing and reports zero depth.
type Queue struct {
	dir     string
	mu      sync.Mutex
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewQueue(dir string, m *metrics.Registry, logger *zap.Logger) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("resume queue path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resume queue mkdir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{dir: dir, metrics: m, logger: logger.Named("resume")}
	q.updateDepth()
	return q, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func (q *Queue) path(ref string) string {
	return filepath.Join(q.dir, unsafeChars.ReplaceAllString(ref, "_")+".json")
}

// Enqueue adds or replaces the entry for e.TransferReference.
func (q *Queue) Enqueue(e Entry) error {
	if q == nil {
		return nil
	}
	if e.TransferReference == "" {
		return fmt.Errorf("resume entry needs a transfer reference")
	}
	now := time.Now().UTC()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}
	e.UpdatedAt = now

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("resume marshal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	path := q.path(e.TransferReference)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("resume write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("resume rename: %w", err)
	}
	q.updateDepthLocked()
	q.logger.Info("order queued for resume",
		zap.String("transfer_ref", e.TransferReference),
		zap.String("reason", e.Reason),
		zap.String("kind", string(e.Kind)))
	return nil
}

func (q *Queue) Get(ref string) (Entry, error) {
	if q == nil {
		return Entry{}, ErrNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(q.path(ref))
}

func (q *Queue) read(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("resume read: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("resume decode %s: %w", filepath.Base(path), err)
	}
	return e, nil
}

// List returns entries oldest first. Unreadable files are logged and skipped.
func (q *Queue) List() ([]Entry, error) {
	if q == nil {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	files, err := filepath.Glob(filepath.Join(q.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		e, err := q.read(f)
		if err != nil {
			q.logger.Warn("skipping resume entry", zap.String("file", f), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (q *Queue) Remove(ref string) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := os.Remove(q.path(ref))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("resume remove: %w", err)
	}
	q.updateDepthLocked()
	return nil
}

func (q *Queue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	files, err := filepath.Glob(filepath.Join(q.dir, "*.json"))
	if err != nil {
		q.logger.Warn("resume queue read error", zap.Error(err))
		return 0
	}
	return len(files)
}

func (q *Queue) updateDepth() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.updateDepthLocked()
}

func (q *Queue) updateDepthLocked() {
	q.metrics.SetResumeDepth(q.depthLocked())
}
