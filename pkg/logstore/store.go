// Package logstore keeps the most recent log lines in memory for the admin
// log endpoints and fans new lines out to live subscribers.
package logstore

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/logutil"
)

const (
	defaultMaxLines = 2000
	subscriberQueue = 64
)

type Entry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type ListFilter struct {
	Level string
	Query string
	Limit int
}

type Store struct {
	mu       sync.RWMutex
	maxLines int
	entries  []Entry
	nextID   atomic.Uint64

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

func NewStore(maxLines int) *Store {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Store{maxLines: maxLines, subs: map[chan Entry]struct{}{}}
}

func (s *Store) Add(level, message string, ts time.Time) {
	message = strings.TrimSpace(logutil.StripANSI(message))
	if message == "" {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	e := Entry{ID: s.nextID.Add(1), Timestamp: ts.UTC(), Level: normalizeLevel(level), Message: message}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	if over := len(s.entries) - s.maxLines; over > 0 {
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for ch := range s.subs {
		// Slow subscribers miss lines rather than stalling logging.
		select {
		case ch <- e:
		default:
		}
	}
	s.subMu.Unlock()
}

// List returns matching entries, newest first.
func (s *Store) List(filter ListFilter) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	level := normalizeLevel(filter.Level)
	query := strings.ToLower(strings.TrimSpace(filter.Query))
	limit := filter.Limit
	if limit <= 0 || limit > s.maxLines {
		limit = s.maxLines
	}
	out := make([]Entry, 0, min(limit, len(s.entries)))
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if !levelMatches(level, e.Level) {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(e.Message), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Subscribe delivers entries added after the call. cancel closes the channel.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, subscriberQueue)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// Writer returns a sink for formatted log output, one entry per line.
func (s *Store) Writer() io.Writer {
	return &sink{store: s}
}

type sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func (w *sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.store.Add(logutil.LineLevel(line).String(), extractMessage(line), time.Now())
	}
	return len(p), nil
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu", "trace":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error", "erro":
		return "error"
	case "fatal", "fata":
		return "fatal"
	case "all", "":
		return ""
	default:
		return "info"
	}
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3, "fatal": 4}

func levelMatches(filter, level string) bool {
	if filter == "" {
		return true
	}
	return levelRank[level] >= levelRank[filter]
}

var levelTokens = map[string]bool{
	"DEBUG": true, "DEBU": true, "INFO": true, "WARN": true, "WARNING": true,
	"ERROR": true, "ERRO": true, "FATAL": true, "FATA": true,
}

// extractMessage drops the leading timestamp and level of a charm log line.
func extractMessage(line string) string {
	fields := strings.Fields(logutil.StripANSI(line))
	for i := 0; i < len(fields) && i < 3; i++ {
		if levelTokens[strings.ToUpper(fields[i])] {
			return strings.Join(fields[i+1:], " ")
		}
	}
	return strings.Join(fields, " ")
}
