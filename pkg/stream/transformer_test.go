package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

func sse(events ...string) string {
	var b strings.Builder
	for _, ev := range events {
		b.WriteString("event: completion\n")
		b.WriteString("data: ")
		b.WriteString(ev)
		b.WriteString("\n\n")
	}
	return b.String()
}

func completionEvent(text string) string {
	b, _ := json.Marshal(map[string]any{"type": "completion", "completion": text, "stop_reason": nil})
	return string(b)
}

func collectChunks(t *testing.T, body io.Reader) ([]openai.ChatCompletionStreamResponse, bool) {
	t.Helper()
	var chunks []openai.ChatCompletionStreamResponse
	done := false
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		var c openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

func joinDeltas(chunks []openai.ChatCompletionStreamResponse) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			b.WriteString(ch.Delta.Content)
		}
	}
	return b.String()
}

func TestTransformStreamsChunksInOrder(t *testing.T) {
	upstream := sse(
		completionEvent("Hel"),
		`{"type":"ping"}`,
		completionEvent("lo, "),
		completionEvent("world"),
		`{"type":"completion","completion":"","stop_reason":"stop_sequence"}`,
	)
	var res Result
	tr := New(Config{Title: "relay", Model: "claude-x", Stream: true, StopSequences: []string{"\n\nHuman:"}, OnFinish: func(r Result) { res = r }})
	body := tr.Transform(context.Background(), io.NopCloser(strings.NewReader(upstream)))
	chunks, done := collectChunks(t, body)
	if !done {
		t.Fatal("expected [DONE] terminator")
	}
	if got := joinDeltas(chunks); got != "Hello, world" {
		t.Fatalf("unexpected content %q", got)
	}
	if chunks[0].Choices[0].Delta.Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("first chunk should carry the role, got %+v", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason != openai.FinishReasonStop || last.Model != "claude-x" || last.SystemFingerprint != "relay" {
		t.Fatalf("unexpected final chunk %+v", last)
	}
	if res.Text != "Hello, world" || res.Aborted {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTransformStopsAtSequenceAcrossChunks(t *testing.T) {
	upstream := sse(
		completionEvent("Sure.\n"),
		completionEvent("\nHum"),
		completionEvent("an: do it"),
		completionEvent("never sent"),
	)
	var res Result
	tr := New(Config{Stream: false, StopSequences: []string{"\n\nHuman:"}, PreventImpersonation: true, OnFinish: func(r Result) { res = r }})
	body := tr.Transform(context.Background(), io.NopCloser(strings.NewReader(upstream)))
	b, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode response %q: %v", b, err)
	}
	if got := out.Choices[0].Message.Content; got != "Sure." {
		t.Fatalf("expected output truncated before stop, got %q", got)
	}
	if !res.Impersonated {
		t.Fatal("expected impersonation to be flagged")
	}
}

func TestTransformMessagesEvents(t *testing.T) {
	upstream := sse(
		`{"type":"message_start","message":{}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"héllo"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`,
		`{"type":"message_stop"}`,
	)
	tr := New(Config{Stream: false, StopSequences: []string{"\n\nHuman:", "\n\nAssistant:"}})
	b, err := io.ReadAll(tr.Transform(context.Background(), io.NopCloser(strings.NewReader(upstream))))
	if err != nil {
		t.Fatal(err)
	}
	var out openai.ChatCompletionResponse
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Choices[0].Message.Content != "héllo there" || out.Choices[0].FinishReason != openai.FinishReasonLength {
		t.Fatalf("unexpected response %+v", out.Choices[0])
	}
}

func TestTransformErrorEvent(t *testing.T) {
	upstream := sse(completionEvent("partial"), `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	var res Result
	tr := New(Config{Stream: true, OnFinish: func(r Result) { res = r }})
	chunks, done := collectChunks(t, tr.Transform(context.Background(), io.NopCloser(strings.NewReader(upstream))))
	if !done {
		t.Fatal("expected stream to terminate normally")
	}
	if got := joinDeltas(chunks); !strings.Contains(got, "[Error] Overloaded") {
		t.Fatalf("expected error text in output, got %q", got)
	}
	if res.Err == nil {
		t.Fatal("expected result error")
	}
}

type trackingBody struct {
	io.Reader
	closed chan struct{}
}

func (b *trackingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

// endless produces completion events until closed.
type endless struct {
	closed chan struct{}
	reads  int
}

func (e *endless) Read(p []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	e.reads++
	return copy(p, sse(completionEvent("x"))), nil
}

func TestTransformStopsWhenConsumerCloses(t *testing.T) {
	src := &endless{closed: make(chan struct{})}
	body := &trackingBody{Reader: src, closed: src.closed}
	finished := make(chan Result, 1)
	tr := New(Config{Stream: true, BufferSize: 2, OnFinish: func(r Result) { finished <- r }})
	out := tr.Transform(context.Background(), body)

	buf := make([]byte, 16)
	if _, err := out.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	_ = out.Close()

	select {
	case res := <-finished:
		if !res.Aborted {
			t.Fatalf("expected aborted result, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after consumer closed")
	}
	select {
	case <-body.closed:
	case <-time.After(time.Second):
		t.Fatal("upstream was not closed")
	}
}

func TestTransformStopsOnContextCancel(t *testing.T) {
	src := &endless{closed: make(chan struct{})}
	body := &trackingBody{Reader: src, closed: src.closed}
	finished := make(chan Result, 1)
	ctx, cancel := context.WithCancel(context.Background())
	tr := New(Config{Stream: true, BufferSize: 1, OnFinish: func(r Result) { finished <- r }})
	_ = tr.Transform(ctx, body)
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after cancellation")
	}
}
