package buffer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/pkg/logger"
)

func testEntry(id string, seq int64, payload string) Entry {
	return Entry{
		ResourceType:  "order",
		ResourceID:    id,
		Data:          json.RawMessage(payload),
		Timestamp:     time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		IdempotentKey: Key("order", id, seq),
	}
}

func newTestBuffer(t *testing.T, maxEntries int, maxBytes int64) (*Buffer, string) {
	t.Helper()
	walPath := filepath.Join(t.TempDir(), "buffer.wal")
	b, err := New(Config{MaxEntries: maxEntries, MaxBytes: maxBytes, WALPath: walPath}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b, walPath
}

func TestKeyFormat(t *testing.T) {
	assert.Equal(t, "order:ord-1:7", Key("order", "ord-1", 7))
}

func TestAddDeduplicatesByIdempotentKey(t *testing.T) {
	b, _ := newTestBuffer(t, 10, 1<<20)

	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	// Same key again: reported as success, recorded once.
	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, int64(len(`{"qty":10}`)), b.Bytes())
}

func TestAddRejectsWhenEntryBoundReached(t *testing.T) {
	b, _ := newTestBuffer(t, 2, 1<<20)

	require.True(t, b.Add(testEntry("ord-1", 1, `{}`)))
	require.True(t, b.Add(testEntry("ord-2", 1, `{}`)))
	assert.False(t, b.Add(testEntry("ord-3", 1, `{}`)))
	assert.Equal(t, 2, b.Len())
}

func TestAddRejectsWhenByteBoundReached(t *testing.T) {
	b, _ := newTestBuffer(t, 100, 10)

	require.True(t, b.Add(testEntry("ord-1", 1, `{"a":1}`))) // 7 bytes
	assert.False(t, b.Add(testEntry("ord-2", 1, `{"b":2}`)), "7+7 exceeds the 10 byte bound")
	assert.Equal(t, 1, b.Len())
}

func TestByteAccountingIsMeasuredOnce(t *testing.T) {
	b, _ := newTestBuffer(t, 10, 1<<20)

	payload := `{"qty":42}`
	require.True(t, b.Add(testEntry("ord-1", 1, payload)))
	require.True(t, b.Add(testEntry("ord-2", 1, payload)))
	assert.Equal(t, int64(2*len(payload)), b.Bytes())
}

func TestWALRestoreSurvivesRestart(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "buffer.wal")
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20, WALPath: walPath}

	b, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	require.True(t, b.Add(testEntry("ord-2", 1, `{"qty":20}`)))
	b.Close()

	restored, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 2, restored.Len())
	entries := restored.Entries()
	assert.Equal(t, "ord-1", entries[0].ResourceID)
	assert.Equal(t, "ord-2", entries[1].ResourceID)

	// Restored entries keep deduplicating.
	require.True(t, restored.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	assert.Equal(t, 2, restored.Len())
}

func TestWALRestoreSkipsCorruptLines(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "buffer.wal")
	cfg := Config{MaxEntries: 10, MaxBytes: 1 << 20, WALPath: walPath}

	b, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	b.Close()

	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	f.Close()

	restored, err := New(cfg, logger.Nop())
	require.NoError(t, err)
	defer restored.Close()
	assert.Equal(t, 1, restored.Len(), "the corrupt line is skipped, the good one restored")
}

func openFlushDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "flush.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db.Conn()
}

func insertBuffered(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(`
		INSERT INTO buffered_writes (idempotent_key, resource_type, resource_id, data, buffered_at, flushed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.IdempotentKey, e.ResourceType, e.ResourceID, string(e.Data),
		e.Timestamp.Format(time.RFC3339), e.Timestamp.Format(time.RFC3339))
	return err
}

func TestFlushCommitsAllAndClearsWAL(t *testing.T) {
	b, walPath := newTestBuffer(t, 10, 1<<20)
	conn := openFlushDB(t)

	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	require.True(t, b.Add(testEntry("ord-2", 1, `{"qty":20}`)))

	require.NoError(t, b.Flush(conn, insertBuffered))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, int64(0), b.Bytes())

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM buffered_writes`).Scan(&n))
	assert.Equal(t, 2, n)

	info, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "WAL must be truncated after a committed flush")
}

func TestFlushIsAllOrNothing(t *testing.T) {
	b, walPath := newTestBuffer(t, 10, 1<<20)
	conn := openFlushDB(t)

	require.True(t, b.Add(testEntry("ord-1", 1, `{"qty":10}`)))
	require.True(t, b.Add(testEntry("ord-2", 1, `{"qty":20}`)))

	failOn := Key("order", "ord-2", 1)
	err := b.Flush(conn, func(tx *sql.Tx, e Entry) error {
		if e.IdempotentKey == failOn {
			return fmt.Errorf("write refused")
		}
		return insertBuffered(tx, e)
	})
	require.Error(t, err)

	// Nothing committed, nothing lost.
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM buffered_writes`).Scan(&n))
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, b.Len())

	info, statErr := os.Stat(walPath)
	require.NoError(t, statErr)
	assert.Greater(t, info.Size(), int64(0), "WAL is retained on a failed flush")

	// A later flush with the fault gone drains everything.
	require.NoError(t, b.Flush(conn, insertBuffered))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM buffered_writes`).Scan(&n))
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.Len())
}

func TestFlushGroupsByResourceType(t *testing.T) {
	b, _ := newTestBuffer(t, 10, 1<<20)
	conn := openFlushDB(t)

	a := testEntry("ord-1", 1, `{}`)
	pos := Entry{
		ResourceType:  "position",
		ResourceID:    "pos-1",
		Data:          json.RawMessage(`{}`),
		Timestamp:     a.Timestamp,
		IdempotentKey: Key("position", "pos-1", 1),
	}
	c := testEntry("ord-2", 1, `{}`)

	require.True(t, b.Add(a))
	require.True(t, b.Add(pos))
	require.True(t, b.Add(c))

	var seen []string
	require.NoError(t, b.Flush(conn, func(tx *sql.Tx, e Entry) error {
		seen = append(seen, e.IdempotentKey)
		return insertBuffered(tx, e)
	}))

	// Same-type entries stay adjacent, first-seen type order preserved.
	assert.Equal(t, []string{
		Key("order", "ord-1", 1),
		Key("order", "ord-2", 1),
		Key("position", "pos-1", 1),
	}, seen)
}
