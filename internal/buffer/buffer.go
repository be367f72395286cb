package buffer

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/metrics"
)

// Entry is one buffered write. IdempotentKey must follow
// "{resource_type}:{resource_id}:{seq}" and is the deduplication
// identity on replay.
type Entry struct {
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	IdempotentKey string          `json:"idempotent_key"`
}

// Key builds the canonical idempotent key.
func Key(resourceType, resourceID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", resourceType, resourceID, seq)
}

// Config bounds the buffer.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	WALPath    string
}

// FlushFunc applies one entry inside the flush transaction.
type FlushFunc func(tx *sql.Tx, e Entry) error

// Buffer holds DB writes during DEGRADED mode, mirrored to an
// append-only JSONL WAL so a crash never loses intent. Byte accounting
// uses the serialized data payload only, measured once at insertion.
type Buffer struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	entries   []Entry
	keys      map[string]struct{}
	byteTotal int64
	wal       *os.File
}

// New constructs a buffer. If the WAL file already exists its valid
// entries are restored into memory; restoration is purely local and
// never touches the database or the event bus.
func New(cfg Config, log zerolog.Logger) (*Buffer, error) {
	b := &Buffer{
		cfg:  cfg,
		log:  log.With().Str("component", "db_buffer").Logger(),
		keys: make(map[string]struct{}),
	}

	if cfg.WALPath != "" {
		if err := b.restore(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(cfg.WALPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create WAL directory: %w", err)
		}
		f, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		b.wal = f
	}

	return b, nil
}

// restore reads the WAL into memory. Lines that fail to parse are
// logged and skipped; duplicate idempotent keys are skipped.
func (b *Buffer) restore() error {
	f, err := os.Open(b.cfg.WALPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open WAL for restore: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			b.log.Warn().Int("line", lineNo).Err(err).Msg("Skipping corrupt WAL line")
			continue
		}
		if _, dup := b.keys[e.IdempotentKey]; dup {
			continue
		}
		b.keys[e.IdempotentKey] = struct{}{}
		b.entries = append(b.entries, e)
		b.byteTotal += int64(len(e.Data))
	}
	if err := scanner.Err(); err != nil {
		b.log.Warn().Err(err).Msg("WAL restore stopped early")
	}

	if len(b.entries) > 0 || skipped > 0 {
		b.log.Info().
			Int("restored", len(b.entries)).
			Int("skipped", skipped).
			Msg("DB buffer restored from WAL")
	}
	b.publishGauges()
	return nil
}

// Add admits an entry. A duplicate idempotent key reports success
// without recording twice or touching the WAL. Returns false when
// either bound would be exceeded; the caller is responsible for
// emitting the overflow event.
func (b *Buffer) Add(e Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.keys[e.IdempotentKey]; dup {
		return true
	}

	size := int64(len(e.Data))
	if len(b.entries) >= b.cfg.MaxEntries || b.byteTotal+size > b.cfg.MaxBytes {
		return false
	}

	b.entries = append(b.entries, e)
	b.keys[e.IdempotentKey] = struct{}{}
	b.byteTotal += size
	b.appendWALLocked(e)
	b.publishGauges()
	return true
}

// appendWALLocked writes one JSONL record with fsync: buffered intent
// must survive a crash.
func (b *Buffer) appendWALLocked(e Entry) {
	if b.wal == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		b.log.Error().Err(err).Msg("Cannot serialize buffer entry for WAL")
		return
	}
	line = append(line, '\n')
	if _, err := b.wal.Write(line); err != nil {
		b.log.Error().Err(err).Msg("WAL append failed")
		return
	}
	if err := b.wal.Sync(); err != nil {
		b.log.Warn().Err(err).Msg("WAL fsync failed")
	}
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Bytes returns the accounted payload size.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.byteTotal
}

// Entries returns a copy of the buffered entries in insertion order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Flush drains every entry into the database inside one transaction,
// grouped by resource type. Either the whole flush commits and the
// in-memory structures and WAL are cleared, or nothing is removed and
// the WAL is retained.
func (b *Buffer) Flush(db *sql.DB, apply FlushFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}

	byType := make(map[string][]Entry)
	var order []string
	for _, e := range b.entries {
		if _, seen := byType[e.ResourceType]; !seen {
			order = append(order, e.ResourceType)
		}
		byType[e.ResourceType] = append(byType[e.ResourceType], e)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}

	for _, rt := range order {
		for _, e := range byType[rt] {
			if err := apply(tx, e); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("flush failed for %s: %w", e.IdempotentKey, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}

	count := len(b.entries)
	b.entries = nil
	b.keys = make(map[string]struct{})
	b.byteTotal = 0
	b.truncateWALLocked()
	b.publishGauges()

	b.log.Info().Int("flushed", count).Msg("DB buffer flushed")
	return nil
}

func (b *Buffer) truncateWALLocked() {
	if b.wal == nil {
		return
	}
	if err := b.wal.Truncate(0); err != nil {
		b.log.Warn().Err(err).Msg("WAL truncate failed")
		return
	}
	if _, err := b.wal.Seek(0, 0); err != nil {
		b.log.Warn().Err(err).Msg("WAL seek failed")
	}
}

// Close releases the WAL file handle.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wal != nil {
		_ = b.wal.Close()
		b.wal = nil
	}
}

func (b *Buffer) publishGauges() {
	metrics.BufferEntries.Set(float64(len(b.entries)))
	metrics.BufferBytes.Set(float64(b.byteTotal))
}
