package logutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/charmbracelet/log"
)

var (
	outputMu   sync.Mutex
	outputTee  io.Writer
	stderrSink = &levelFilterWriter{minLevel: log.InfoLevel}
)

// Configure sets the stderr threshold. The logger itself stays at debug so
// the tee (live log feed) always sees everything.
func Configure(levelRaw string) error {
	level, err := ParseLevel(levelRaw)
	if err != nil {
		return err
	}
	outputMu.Lock()
	defer outputMu.Unlock()
	stderrSink.setMin(level)
	log.SetLevel(log.DebugLevel)
	log.SetReportTimestamp(true)
	applyOutputLocked()
	return nil
}

func ParseLevel(levelRaw string) (log.Level, error) {
	levelRaw = strings.ToLower(strings.TrimSpace(levelRaw))
	switch levelRaw {
	case "":
		return log.InfoLevel, nil
	case "trace":
		return log.DebugLevel, nil
	case "warning":
		return log.WarnLevel, nil
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return 0, fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	return level, nil
}

func SetOutputTee(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputTee = w
	applyOutputLocked()
}

func applyOutputLocked() {
	stderrSink.mu.Lock()
	stderrSink.out = os.Stderr
	stderrSink.tee = outputTee
	stderrSink.mu.Unlock()
	log.SetOutput(stderrSink)
}

type levelFilterWriter struct {
	mu       sync.Mutex
	out      io.Writer
	tee      io.Writer
	minLevel log.Level
	buf      []byte
}

func (w *levelFilterWriter) setMin(level log.Level) {
	w.mu.Lock()
	w.minLevel = level
	w.mu.Unlock()
}

func (w *levelFilterWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), w.buf[:idx+1]...)
		w.buf = w.buf[idx+1:]
		if w.tee != nil {
			_, _ = w.tee.Write(line)
		}
		if w.out != nil && LineLevel(string(line)) >= w.minLevel {
			_, _ = w.out.Write(line)
		}
	}
	return len(p), nil
}

var levelTokens = []struct {
	level  log.Level
	tokens []string
}{
	{log.DebugLevel, []string{"TRACE", "TRAC", "DEBUG", "DEBU"}},
	{log.InfoLevel, []string{"INFO"}},
	{log.WarnLevel, []string{"WARN", "WARNING"}},
	{log.ErrorLevel, []string{"ERROR", "ERRO"}},
	{log.FatalLevel, []string{"FATAL", "FATA"}},
}

// LineLevel guesses the level of a formatted charm log line. Unknown lines
// count as info.
func LineLevel(line string) log.Level {
	fields := strings.Fields(strings.ToUpper(StripANSI(line)))
	for _, f := range fields {
		f = strings.TrimPrefix(f, "LEVEL=")
		for _, lt := range levelTokens {
			for _, tok := range lt.tokens {
				if f == tok {
					return lt.level
				}
			}
		}
	}
	return log.InfoLevel
}

func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inEsc := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !inEsc {
			if ch == 0x1b {
				inEsc = true
				continue
			}
			b.WriteByte(ch)
			continue
		}
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			inEsc = false
		}
	}
	return b.String()
}
