// Package stream reshapes the backend's event stream into OpenAI chat
// completion output.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

const DefaultBufferSize = 8

type Config struct {
	// Title is reported as the system fingerprint.
	Title  string
	Model  string
	Stream bool
	// BufferSize bounds the number of frames queued for a slow client.
	BufferSize    int
	StopSequences []string
	// PreventImpersonation forces the human turn delimiters into the stop
	// set and flags the response when one is hit.
	PreventImpersonation bool
	HumanLabel           string
	// OnFinish is called once after the upstream is done or abandoned.
	OnFinish func(Result)
}

type Result struct {
	Text         string
	FinishReason openai.FinishReason
	Impersonated bool
	// Aborted is set when the client went away before the end.
	Aborted bool
	Err     error
}

type Transformer struct {
	cfg Config
}

func New(cfg Config) *Transformer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.HumanLabel == "" {
		cfg.HumanLabel = "Human"
	}
	return &Transformer{cfg: cfg}
}

// ContentType is the media type of the transformed body.
func (t *Transformer) ContentType() string {
	if t.cfg.Stream {
		return "text/event-stream"
	}
	return "application/json"
}

// Transform starts a producer that drains upstream into a bounded queue and
// returns the consuming side. Closing the returned reader or cancelling ctx
// stops the producer and closes upstream.
func (t *Transformer) Transform(ctx context.Context, upstream io.ReadCloser) io.ReadCloser {
	r := &chanReader{
		ch:   make(chan []byte, t.cfg.BufferSize),
		done: make(chan struct{}),
	}
	go t.produce(ctx, upstream, r)
	return r
}

type chanReader struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
	buf  []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		select {
		case b, ok := <-r.ch:
			if !ok {
				return 0, io.EOF
			}
			r.buf = b
		case <-r.done:
			return 0, io.ErrClosedPipe
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chanReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (t *Transformer) produce(ctx context.Context, upstream io.ReadCloser, r *chanReader) {
	var closeOnce sync.Once
	closeUpstream := func() { closeOnce.Do(func() { _ = upstream.Close() }) }
	finished := make(chan struct{})
	defer close(r.ch)
	defer closeUpstream()
	defer close(finished)

	// Unblock a pending upstream read once nobody is listening.
	go func() {
		select {
		case <-ctx.Done():
			closeUpstream()
		case <-r.done:
			closeUpstream()
		case <-finished:
		}
	}()

	send := func(b []byte) bool {
		select {
		case <-r.done:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case r.ch <- b:
			return true
		case <-r.done:
			return false
		case <-ctx.Done():
			return false
		}
	}
	e := newEmitter(t.cfg, send)
	res := e.run(upstream)
	if t.cfg.OnFinish != nil {
		t.cfg.OnFinish(res)
	}
	if res.Aborted {
		log.Debug("client went away, stopped reading backend stream", "chars", len(res.Text))
	}
}

type emitter struct {
	cfg     Config
	send    func([]byte) bool
	id      string
	created int64
	stops   []string
	hold    int
	human   map[string]bool

	pending  string
	out      strings.Builder
	sentRole bool
	aborted  bool
}

func newEmitter(cfg Config, send func([]byte) bool) *emitter {
	e := &emitter{
		cfg:     cfg,
		send:    send,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		human:   map[string]bool{},
	}
	stops := append([]string(nil), cfg.StopSequences...)
	if cfg.PreventImpersonation {
		for _, s := range []string{"\n\nHuman:", "\n\nH:", "\n\n" + cfg.HumanLabel + ":"} {
			e.human[s] = true
			if !slices.Contains(stops, s) {
				stops = append(stops, s)
			}
		}
	}
	for _, s := range stops {
		if s == "" {
			continue
		}
		e.stops = append(e.stops, s)
		if len(s)-1 > e.hold {
			e.hold = len(s) - 1
		}
	}
	return e
}

func (e *emitter) run(upstream io.Reader) Result {
	res := Result{FinishReason: openai.FinishReasonStop}
	sc := bufio.NewScanner(upstream)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	stopped := false
	for !stopped && sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" || !gjson.Valid(data) {
			continue
		}
		ev := gjson.Parse(data)
		switch ev.Get("type").String() {
		case "error":
			msg := ev.Get("error.message").String()
			if msg == "" {
				msg = ev.Get("error").String()
			}
			e.pending += "\n[Error] " + msg
			res.Err = &UpstreamError{Type: ev.Get("error.type").String(), Message: msg}
			stopped = true
			continue
		case "content_block_delta":
			if ok, hit := e.push(ev.Get("delta.text").String()); !ok || hit != "" {
				res.Impersonated = e.human[hit]
				stopped = true
			}
			continue
		case "message_delta":
			res.FinishReason = finishReason(ev.Get("delta.stop_reason").String(), res.FinishReason)
			continue
		case "message_stop":
			stopped = true
			continue
		}
		if c := ev.Get("completion"); c.Exists() {
			if ok, hit := e.push(c.String()); !ok || hit != "" {
				res.Impersonated = e.human[hit]
				stopped = true
				continue
			}
		}
		if sr := ev.Get("stop_reason"); sr.Exists() && sr.Type != gjson.Null {
			res.FinishReason = finishReason(sr.String(), res.FinishReason)
			stopped = true
		}
	}
	if err := sc.Err(); err != nil && res.Err == nil && !e.aborted {
		res.Err = err
		log.Warn("backend stream read failed", "err", err)
	}
	if !e.aborted {
		e.flush(e.pending)
		e.pending = ""
	}
	if !e.aborted {
		e.finish(res)
	}
	res.Text = e.out.String()
	res.Aborted = e.aborted
	return res
}

func finishReason(backend string, fallback openai.FinishReason) openai.FinishReason {
	switch backend {
	case "max_tokens":
		return openai.FinishReasonLength
	case "stop_sequence", "end_turn":
		return openai.FinishReasonStop
	case "":
		return fallback
	}
	return openai.FinishReasonStop
}

// push appends text and emits everything that can no longer be the start of
// a stop sequence. It returns the stop sequence that ended the output, if any.
func (e *emitter) push(text string) (bool, string) {
	if text == "" {
		return !e.aborted, ""
	}
	e.pending += text
	if idx, stop := e.findStop(e.pending); idx >= 0 {
		e.flush(e.pending[:idx])
		e.pending = ""
		return !e.aborted, stop
	}
	cut := len(e.pending) - e.hold
	if cut <= 0 {
		return true, ""
	}
	for cut < len(e.pending) && cut > 0 && !utf8.RuneStart(e.pending[cut]) {
		cut--
	}
	if cut == 0 {
		return true, ""
	}
	e.flush(e.pending[:cut])
	e.pending = e.pending[cut:]
	return !e.aborted, ""
}

func (e *emitter) findStop(s string) (int, string) {
	best, which := -1, ""
	for _, stop := range e.stops {
		if i := strings.Index(s, stop); i >= 0 && (best < 0 || i < best) {
			best, which = i, stop
		}
	}
	return best, which
}

func (e *emitter) flush(text string) {
	if text == "" || e.aborted {
		return
	}
	e.out.WriteString(text)
	if !e.cfg.Stream {
		return
	}
	delta := openai.ChatCompletionStreamChoiceDelta{Content: text}
	if !e.sentRole {
		delta.Role = openai.ChatMessageRoleAssistant
		e.sentRole = true
	}
	e.emitChunk(delta, "")
}

func (e *emitter) emitChunk(delta openai.ChatCompletionStreamChoiceDelta, reason openai.FinishReason) {
	chunk := openai.ChatCompletionStreamResponse{
		ID:                e.id,
		Object:            "chat.completion.chunk",
		Created:           e.created,
		Model:             e.cfg.Model,
		SystemFingerprint: e.cfg.Title,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: reason,
		}},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		log.Error("encode chunk failed", "err", err)
		return
	}
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, "\n\n"...)
	if !e.send(frame) {
		e.aborted = true
	}
}

func (e *emitter) finish(res Result) {
	if e.cfg.Stream {
		e.emitChunk(openai.ChatCompletionStreamChoiceDelta{}, res.FinishReason)
		if !e.aborted && !e.send([]byte("data: [DONE]\n\n")) {
			e.aborted = true
		}
		return
	}
	body := openai.ChatCompletionResponse{
		ID:                e.id,
		Object:            "chat.completion",
		Created:           e.created,
		Model:             e.cfg.Model,
		SystemFingerprint: e.cfg.Title,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: e.out.String(),
			},
			FinishReason: res.FinishReason,
		}},
	}
	b, err := json.Marshal(body)
	if err != nil {
		log.Error("encode completion failed", "err", err)
		return
	}
	if !e.send(b) {
		e.aborted = true
	}
}

// UpstreamError is an error event inside an otherwise successful stream.
type UpstreamError struct {
	Type    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Type == "" {
		return "backend stream error: " + e.Message
	}
	return "backend stream error (" + e.Type + "): " + e.Message
}
