package logger

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is a log line captured for the status server
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Buffer is a fixed-size ring of recent warnings and errors. It implements
// zerolog.Hook so it sees every event before it is written.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	writePos int
	count    int
	minLevel zerolog.Level
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(500, zerolog.WarnLevel)
	})
	return globalBuffer
}

// NewBuffer creates a buffer holding up to size entries at or above minLevel
func NewBuffer(size int, minLevel zerolog.Level) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries:  make([]Entry, size),
		minLevel: minLevel,
	}
}

// Run implements zerolog.Hook
func (b *Buffer) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < b.minLevel || level == zerolog.NoLevel {
		return
	}
	b.Add(Entry{Timestamp: time.Now(), Level: level.String(), Message: msg})
}

// Add appends an entry, overwriting the oldest when full
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = e
	b.writePos = (b.writePos + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns up to limit entries, newest first. limit <= 0 returns everything.
func (b *Buffer) Recent(limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	out := make([]Entry, 0, limit)
	size := len(b.entries)
	for i := 0; i < limit; i++ {
		idx := (b.writePos - 1 - i + size) % size
		out = append(out, b.entries[idx])
	}
	return out
}

// Count returns the number of buffered entries
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}
