// Package eventstream implements the partitioned, append-only, idempotent
// event log the dispatch runtime projects state from. Writes are coalesced
// through a single-writer queue and persisted as JSON lines; replay on
// startup reconstructs the in-memory index.
package eventstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

// ErrReplayCorrupt is returned (wrapped with a line number) when the
// persisted log contains a malformed or invariant-violating record.
var ErrReplayCorrupt = fmt.Errorf("eventstream: replay corrupt")

const (
	// DefaultRetention bounds how many events per partition are kept
	// in memory (and re-read on cold start).
	DefaultRetention = 2000
	// DefaultIdempotencyCap bounds the size of the idempotency index.
	DefaultIdempotencyCap = 10000
	// SchemaVersion is stamped on every envelope this package emits.
	SchemaVersion = "v1"
)

// Draft is the caller-supplied shape of an event before the stream assigns
// its sequence, event id, and producer timestamp.
type Draft struct {
	IdempotencyKey string
	PartitionKey   string
	CausalParentID string
	RunID          string
	StepID         string
	AgentID        string
	Type           domain.EventType
	Payload        map[string]any
}

// Options configures a Stream.
type Options struct {
	LogPath         string
	Retention       int
	IdempotencyCap  int
	Logger          *slog.Logger
	Clock           func() time.Time
	NewID           func() string
}

// Stream is a single-process, multi-partition append-only event log.
type Stream struct {
	mu          sync.Mutex
	partitions  map[string][]domain.Envelope
	maxSeq      map[string]int64
	idempotency map[string]string // idempotency key -> event id
	byEventID   map[string]domain.Envelope
	idempOrder  []string
	retention   int
	idempCap    int

	logPath string
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string

	writeMu    sync.Mutex
	pending    []domain.Envelope
	drainSig   chan struct{}
	persistErr error
	waiters    []chan error
	waitersMu  sync.Mutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// Open creates or replays a Stream backed by a JSON-lines file at
// opts.LogPath. Malformed records abort with a line-annotated error.
func Open(opts Options) (*Stream, error) {
	if opts.LogPath == "" {
		return nil, fmt.Errorf("eventstream: log path is required")
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	idempCap := opts.IdempotencyCap
	if idempCap <= 0 {
		idempCap = DefaultIdempotencyCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}

	s := &Stream{
		partitions:  make(map[string][]domain.Envelope),
		maxSeq:      make(map[string]int64),
		idempotency: make(map[string]string),
		byEventID:   make(map[string]domain.Envelope),
		retention:   retention,
		idempCap:    idempCap,
		logPath:     opts.LogPath,
		logger:      logger,
		clock:       clock,
		newID:       newID,
		drainSig:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("eventstream: create log dir: %w", err)
	}
	if err := s.replay(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.writer()

	return s, nil
}

func (s *Stream) replay() error {
	f, err := os.Open(s.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("eventstream: open log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrReplayCorrupt, line, err)
		}
		if err := validateReplayed(env); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrReplayCorrupt, line, err)
		}
		s.indexReplayed(env)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("eventstream: scan log: %w", err)
	}
	return nil
}

func validateReplayed(env domain.Envelope) error {
	if env.PartitionKey == "" {
		return fmt.Errorf("missing partition key")
	}
	if env.Sequence <= 0 {
		return fmt.Errorf("non-numeric or non-positive sequence: %d", env.Sequence)
	}
	if env.IdempotencyKey == "" {
		return fmt.Errorf("missing idempotency key")
	}
	return nil
}

// indexReplayed folds one replayed envelope into the in-memory index,
// respecting bounded retention and the idempotency cap.
func (s *Stream) indexReplayed(env domain.Envelope) {
	if env.Sequence > s.maxSeq[env.PartitionKey] {
		s.maxSeq[env.PartitionKey] = env.Sequence
	}
	list := append(s.partitions[env.PartitionKey], env)
	if len(list) > s.retention {
		list = list[len(list)-s.retention:]
	}
	s.partitions[env.PartitionKey] = list

	if _, exists := s.idempotency[env.IdempotencyKey]; !exists {
		s.idempotency[env.IdempotencyKey] = env.EventID
		s.idempOrder = append(s.idempOrder, env.IdempotencyKey)
		if len(s.idempOrder) > s.idempCap {
			evict := s.idempOrder[0]
			s.idempOrder = s.idempOrder[1:]
			delete(s.idempotency, evict)
		}
	}
	s.byEventID[env.EventID] = env
}

// Publish assigns a per-partition sequence and event id to draft and
// appends it to the stream. Re-publishing a known idempotency key returns
// the original envelope unchanged.
func (s *Stream) Publish(draft Draft) (domain.Envelope, error) {
	if draft.PartitionKey == "" {
		return domain.Envelope{}, fmt.Errorf("eventstream: partition key is required")
	}

	s.mu.Lock()
	if draft.IdempotencyKey != "" {
		if eventID, ok := s.idempotency[draft.IdempotencyKey]; ok {
			env := s.byEventID[eventID]
			s.mu.Unlock()
			return env, nil
		}
	} else {
		draft.IdempotencyKey = s.newID()
	}

	seq := s.maxSeq[draft.PartitionKey] + 1
	s.maxSeq[draft.PartitionKey] = seq

	env := domain.Envelope{
		EventID:        s.newID(),
		IdempotencyKey: draft.IdempotencyKey,
		PartitionKey:   draft.PartitionKey,
		Sequence:       seq,
		CausalParentID: draft.CausalParentID,
		ProducerTS:     s.clock(),
		RunID:          draft.RunID,
		StepID:         draft.StepID,
		AgentID:        draft.AgentID,
		Type:           draft.Type,
		Payload:        draft.Payload,
		SchemaVersion:  SchemaVersion,
	}

	list := append(s.partitions[draft.PartitionKey], env)
	if len(list) > s.retention {
		list = list[len(list)-s.retention:]
	}
	s.partitions[draft.PartitionKey] = list

	s.idempotency[env.IdempotencyKey] = env.EventID
	s.idempOrder = append(s.idempOrder, env.IdempotencyKey)
	if len(s.idempOrder) > s.idempCap {
		evict := s.idempOrder[0]
		s.idempOrder = s.idempOrder[1:]
		delete(s.idempotency, evict)
	}
	s.byEventID[env.EventID] = env
	s.mu.Unlock()

	s.enqueue(env)
	return env, nil
}

// ReadPartition returns an ordered copy of events in partition whose
// sequence is strictly greater than afterSequence.
func (s *Stream) ReadPartition(partition string, afterSequence int64) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.partitions[partition]
	out := make([]domain.Envelope, 0, len(src))
	for _, e := range src {
		if e.Sequence > afterSequence {
			out = append(out, e)
		}
	}
	return out
}

// LatestOffset returns the last assigned sequence for partition, or 0.
func (s *Stream) LatestOffset(partition string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq[partition]
}

func (s *Stream) enqueue(env domain.Envelope) {
	s.writeMu.Lock()
	s.pending = append(s.pending, env)
	s.writeMu.Unlock()
	select {
	case s.drainSig <- struct{}{}:
	default:
	}
}

// writer is the single background flusher: it drains whatever has
// accumulated since the last write, appends it in one operation, and wakes
// any Flush callers waiting on that batch.
func (s *Stream) writer() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			s.drainOnce()
			return
		case <-s.drainSig:
			s.drainOnce()
		}
	}
}

func (s *Stream) drainOnce() {
	s.writeMu.Lock()
	batch := s.pending
	s.pending = nil
	s.writeMu.Unlock()

	s.waitersMu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.waitersMu.Unlock()

	var err error
	if len(batch) > 0 {
		err = s.appendBatch(batch)
	}

	s.writeMu.Lock()
	s.persistErr = err
	s.writeMu.Unlock()

	for _, ch := range waiters {
		ch <- err
		close(ch)
	}
	if err != nil {
		s.logger.Error("eventstream: persist failed", "error", err)
	}
}

func (s *Stream) appendBatch(batch []domain.Envelope) error {
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventstream: open log for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, env := range batch {
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("eventstream: marshal envelope %s: %w", env.EventID, err)
		}
		if _, err := w.Write(raw); err != nil {
			return fmt.Errorf("eventstream: write envelope %s: %w", env.EventID, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("eventstream: write newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("eventstream: flush writer: %w", err)
	}
	return f.Sync()
}

// Flush waits for durable persistence of pending writes. It returns the
// error of the most recent persistence attempt, if any; with nothing
// pending, every call returns that same error until a later drain clears it.
func (s *Stream) Flush() error {
	s.writeMu.Lock()
	hasPending := len(s.pending) > 0
	s.writeMu.Unlock()

	if !hasPending {
		s.writeMu.Lock()
		err := s.persistErr
		s.writeMu.Unlock()
		return err
	}

	ch := make(chan error, 1)
	s.waitersMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.waitersMu.Unlock()

	select {
	case s.drainSig <- struct{}{}:
	default:
	}

	return <-ch
}

// Close stops the background writer after draining any pending batch.
func (s *Stream) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.persistErr
}
