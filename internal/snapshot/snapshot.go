// Package snapshot implements the revisioned, atomically-persisted per-run
// state store the projector writes into and the dispatch runtime manager
// reads from.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// FormatVersion is stamped into the persisted file. Files written by an
// unknown version are left untouched; Get/Upsert behave as if empty.
const FormatVersion = "v2"

// DefaultDebounce is how long Upsert waits before flushing a batch of
// writes to disk.
const DefaultDebounce = 35 * time.Millisecond

type onDisk struct {
	FormatVersion string                     `json:"formatVersion"`
	Snapshots     map[string]*domain.Snapshot `json:"snapshots"`
	LastUpdated   time.Time                  `json:"lastUpdated"`
}

// Update is a projector's request to merge a new view of a run into the
// store.
type Update struct {
	RunID          string
	AppliedOffsets []domain.AppliedOffset
	Status         domain.RunStatus
	Goal           string
	Facts          []domain.Fact
	PendingWrites  []domain.PendingWrite
	TokenBudget    domain.TokenBudget
}

// Store is a single-file, debounced, atomically-swapped snapshot store.
type Store struct {
	mu       sync.Mutex
	path     string
	snaps    map[string]*domain.Snapshot
	loadedOK bool // false if the file on disk carries an unknown format version

	debounce time.Duration
	timer    *time.Timer
	dirty    bool
	lastErr  error
	clock    func() time.Time
}

// Options configures a Store.
type Options struct {
	Path     string
	Debounce time.Duration
	Clock    func() time.Time
}

// Open loads path (if present) and returns a ready store.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("snapshot: path is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		path:     opts.Path,
		snaps:    make(map[string]*domain.Snapshot),
		debounce: debounce,
		clock:    clock,
		loadedOK: true,
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}

	raw, err := os.ReadFile(opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", opts.Path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}

	var disk onDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("snapshot: parse %s: %w", opts.Path, err)
	}
	if disk.FormatVersion != FormatVersion {
		s.loadedOK = false
		return s, nil
	}
	if disk.Snapshots != nil {
		s.snaps = disk.Snapshots
	}
	return s, nil
}

// Get returns the current snapshot for runID, or nil if there isn't one.
func (s *Store) Get(runID string) *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loadedOK {
		return nil
	}
	return s.snaps[runID].Clone()
}

// Upsert merges update into the run's snapshot and schedules a debounced
// persist. The new revision is previous+1 (or 1 for a new run); applied
// offsets are merged keeping the max sequence per partition.
func (s *Store) Upsert(update Update) *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snaps[update.RunID]
	next := &domain.Snapshot{RunID: update.RunID}
	rev := int64(1)
	parent := fmt.Sprintf("%s:root", update.RunID)
	if prev != nil {
		rev = prev.Revision + 1
		parent = fmt.Sprintf("%s:rev:%d", update.RunID, prev.Revision)
		next.AppliedOffsets = append([]domain.AppliedOffset(nil), prev.AppliedOffsets...)
		next.Facts = append([]domain.Fact(nil), prev.Facts...)
		next.Goal = prev.Goal
		next.TokenBudget = prev.TokenBudget
		next.Status = prev.Status
	}
	next.Revision = rev
	next.ProjectorVer = FormatVersion
	next.ParentConfig = parent

	for _, off := range update.AppliedOffsets {
		next.AppliedOffsets = mergeOffset(next.AppliedOffsets, off)
	}
	if update.Status != "" {
		next.Status = update.Status
	}
	if update.Goal != "" {
		next.Goal = update.Goal
	}
	if update.Facts != nil {
		next.Facts = append(next.Facts, update.Facts...)
	}
	if update.PendingWrites != nil {
		next.PendingWrites = update.PendingWrites
	}
	if update.TokenBudget != (domain.TokenBudget{}) {
		next.TokenBudget = update.TokenBudget
	}
	next.UpdatedAt = s.clock()

	s.snaps[update.RunID] = next
	s.scheduleFlush()
	return next.Clone()
}

func mergeOffset(offsets []domain.AppliedOffset, next domain.AppliedOffset) []domain.AppliedOffset {
	for i, o := range offsets {
		if o.PartitionKey == next.PartitionKey {
			if next.Sequence > o.Sequence {
				offsets[i].Sequence = next.Sequence
			}
			return offsets
		}
	}
	return append(offsets, next)
}

// List returns a clone of every snapshot currently held, for callers that
// need to sweep across runs (e.g. periodic housekeeping) rather than look
// one up by id.
func (s *Store) List() []*domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loadedOK {
		return nil
	}
	out := make([]*domain.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap.Clone())
	}
	return out
}

// IsApplied reports whether the given (partition, sequence) is already
// reflected in runID's snapshot, making re-application a no-op.
func (s *Store) IsApplied(runID, partitionKey string, sequence int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snaps[runID]
	if snap == nil {
		return false
	}
	return snap.AppliedOffset(partitionKey) >= sequence
}

func (s *Store) scheduleFlush() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.persist()
	})
}

func (s *Store) persist() {
	s.mu.Lock()
	if !s.dirty || !s.loadedOK {
		s.mu.Unlock()
		return
	}
	disk := onDisk{
		FormatVersion: FormatVersion,
		Snapshots:     s.snaps,
		LastUpdated:   s.clock(),
	}
	s.dirty = false
	s.mu.Unlock()

	err := writeAtomic(s.path, disk)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func writeAtomic(path string, disk onDisk) error {
	raw, err := json.Marshal(disk)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename temp file: %w", err)
	}
	return nil
}

// Flush cancels the debounce timer and forces an immediate persist,
// re-raising the last persistence error if any.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.persist()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
