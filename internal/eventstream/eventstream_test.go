package eventstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madebymlai/spec-context-mcp/internal/domain"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func openTestStream(t *testing.T) *Stream {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Options{LogPath: filepath.Join(dir, "events.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPublishAssignsMonotonicSequence(t *testing.T) {
	s := openTestStream(t)

	e1, err := s.Publish(Draft{PartitionKey: "run-1", Type: domain.EventStateDelta})
	require.NoError(t, err)
	require.Equal(t, int64(1), e1.Sequence)

	e2, err := s.Publish(Draft{PartitionKey: "run-1", Type: domain.EventStateDelta})
	require.NoError(t, err)
	require.Equal(t, int64(2), e2.Sequence)

	require.Equal(t, int64(2), s.LatestOffset("run-1"))
	require.Equal(t, int64(0), s.LatestOffset("run-unknown"))
}

func TestPublishIdempotentReplay(t *testing.T) {
	s := openTestStream(t)

	a, err := s.Publish(Draft{PartitionKey: "run-2", IdempotencyKey: "k-1", Type: domain.EventLLMRequest})
	require.NoError(t, err)

	b, err := s.Publish(Draft{PartitionKey: "run-2", IdempotencyKey: "k-1", Type: domain.EventLLMRequest})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := s.Publish(Draft{PartitionKey: "run-2", Type: domain.EventLLMRequest})
	require.NoError(t, err)
	require.Equal(t, int64(2), c.Sequence)
}

func TestReadPartitionReturnsOrderedTail(t *testing.T) {
	s := openTestStream(t)
	for i := 0; i < 5; i++ {
		_, err := s.Publish(Draft{PartitionKey: "run-3", Type: domain.EventStateDelta})
		require.NoError(t, err)
	}

	tail := s.ReadPartition("run-3", 3)
	require.Len(t, tail, 2)
	require.Equal(t, int64(4), tail[0].Sequence)
	require.Equal(t, int64(5), tail[1].Sequence)
}

func TestFlushAndReplay(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")

	s, err := Open(Options{LogPath: logPath})
	require.NoError(t, err)
	_, err = s.Publish(Draft{PartitionKey: "run-4", IdempotencyKey: "k-a", Type: domain.EventLLMRequest})
	require.NoError(t, err)
	_, err = s.Publish(Draft{PartitionKey: "run-4", IdempotencyKey: "k-b", Type: domain.EventLLMResponse})
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	replayed, err := Open(Options{LogPath: logPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = replayed.Close() })

	require.Equal(t, int64(2), replayed.LatestOffset("run-4"))
	tail := replayed.ReadPartition("run-4", 0)
	require.Len(t, tail, 2)

	dup, err := replayed.Publish(Draft{PartitionKey: "run-4", IdempotencyKey: "k-a", Type: domain.EventLLMRequest})
	require.NoError(t, err)
	require.Equal(t, tail[0].EventID, dup.EventID)
}

func TestReplayRejectsCorruptLine(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events.jsonl")
	require.NoError(t, writeRaw(logPath, "not json\n"))

	_, err := Open(Options{LogPath: logPath})
	require.ErrorIs(t, err, ErrReplayCorrupt)
}

func TestBoundedRetentionDropsOldest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{LogPath: filepath.Join(dir, "events.jsonl"), Retention: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 5; i++ {
		_, err := s.Publish(Draft{PartitionKey: "run-5", Type: domain.EventStateDelta})
		require.NoError(t, err)
	}

	tail := s.ReadPartition("run-5", 0)
	require.Len(t, tail, 2)
	require.Equal(t, int64(4), tail[0].Sequence)
	require.Equal(t, int64(5), tail[1].Sequence)
	require.Equal(t, int64(5), s.LatestOffset("run-5"))
}
