package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/domain"
)

// FallbackLog appends dropped events to a JSONL file, one event per
// line. All I/O errors are swallowed: the fallback log is best-effort
// and must never make Publish fail harder.
type FallbackLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	log  zerolog.Logger
}

// NewFallbackLog creates a fallback log writer. The file is opened
// lazily on first drop.
func NewFallbackLog(path string, log zerolog.Logger) *FallbackLog {
	return &FallbackLog{
		path: path,
		log:  log.With().Str("component", "event_fallback").Logger(),
	}
}

// Append writes one JSON record for the dropped event.
func (f *FallbackLog) Append(ev domain.SystemEvent) {
	if f.path == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			f.log.Warn().Err(err).Msg("Cannot create fallback log directory")
			return
		}
		file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			f.log.Warn().Err(err).Msg("Cannot open fallback log")
			return
		}
		f.file = file
	}

	line, err := json.Marshal(ev)
	if err != nil {
		f.log.Warn().Err(err).Msg("Cannot serialize dropped event")
		return
	}
	line = append(line, '\n')
	if _, err := f.file.Write(line); err != nil {
		f.log.Warn().Err(err).Msg("Cannot append to fallback log")
	}
}

// Close releases the underlying file, if opened.
func (f *FallbackLog) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
}
