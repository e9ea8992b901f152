package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lkarlslund/sessionrelay/pkg/backend"
	"github.com/lkarlslund/sessionrelay/pkg/completion"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/lkarlslund/sessionrelay/pkg/logstore"
	"github.com/lkarlslund/sessionrelay/pkg/pool"
	openai "github.com/sashabaranov/go-openai"
)

const testPassword = "relay-secret"

func testCookie(fill string) cookie.Cookie {
	return cookie.Parse("sk-ant-sid01-" + strings.Repeat(fill, 86) + "-abcdefAA")
}

func fakeWebAPI(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/organizations":
			_, _ = io.WriteString(w, `[{"uuid":"org","capabilities":["chat"]}]`)
		case strings.HasSuffix(r.URL.Path, "/completion"):
			w.Header().Set("Content-Type", "text/event-stream")
			for _, part := range []string{"Hello", " from", " the relay"} {
				b, _ := json.Marshal(map[string]any{"completion": part, "stop_reason": nil})
				_, _ = io.WriteString(w, "data: "+string(b)+"\n\n")
			}
			_, _ = io.WriteString(w, `data: {"completion":"","stop_reason":"stop_sequence"}`+"\n\n")
		case r.Method == http.MethodPost, r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected backend call %s %s", r.Method, r.URL.Path)
		}
	}))
}

type relay struct {
	srv  *Server
	http *httptest.Server
	logs *logstore.Store
}

func newRelay(t *testing.T, cookies ...cookie.Cookie) *relay {
	t.Helper()
	backendSrv := fakeWebAPI(t)
	t.Cleanup(backendSrv.Close)

	cfg := config.NewDefaultServerConfig()
	cfg.Password = testPassword
	for _, c := range cookies {
		cfg.CookieArray = append(cfg.CookieArray, cookie.Info{Cookie: c})
	}
	cfg.Normalize()
	store := config.NewServerConfigStore("", cfg)
	client, err := backend.NewClient(backend.Options{Endpoint: backendSrv.URL})
	if err != nil {
		t.Fatalf("backend client: %v", err)
	}
	p := pool.New(store)
	logs := logstore.NewStore(100)
	srv := NewServer(Options{
		Store:   store,
		Service: completion.New(completion.Options{Store: store, Pool: p, Client: client}),
		Pool:    p,
		Logs:    logs,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &relay{srv: srv, http: hs, logs: logs}
}

func (r *relay) openaiClient(token string) *openai.Client {
	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = r.http.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	r := newRelay(t)
	resp, err := http.Get(r.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestModelsRequiresPassword(t *testing.T) {
	r := newRelay(t)
	_, err := r.openaiClient("wrong").ListModels(context.Background())
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}

	models, err := r.openaiClient(testPassword).ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models.Models) != len(config.DefaultModelList) || models.Models[0].ID != config.DefaultModelList[0] {
		t.Fatalf("unexpected models %+v", models.Models)
	}
}

func TestChatCompletion(t *testing.T) {
	r := newRelay(t, testCookie("a"))
	resp, err := r.openaiClient(testPassword).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello from the relay" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("unexpected finish reason %q", resp.Choices[0].FinishReason)
	}
}

func TestChatCompletionStream(t *testing.T) {
	r := newRelay(t, testCookie("a"))
	stream, err := r.openaiClient(testPassword).CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Stream:   true,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()
	var b strings.Builder
	var finish openai.FinishReason
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		for _, c := range chunk.Choices {
			b.WriteString(c.Delta.Content)
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	if b.String() != "Hello from the relay" || finish != openai.FinishReasonStop {
		t.Fatalf("unexpected stream content %q finish %q", b.String(), finish)
	}
}

func TestChatCompletionErrors(t *testing.T) {
	r := newRelay(t)
	_, err := r.openaiClient(testPassword).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without cookies, got %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, r.http.URL+"/v1/chat/completions", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+testPassword)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", resp.StatusCode)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{completion.ErrEmptyMessages, http.StatusBadRequest},
		{&completion.InvalidModelError{Model: "x"}, http.StatusBadRequest},
		{completion.ErrNoValidCredential, http.StatusServiceUnavailable},
		{completion.ErrUnsupportedMode, http.StatusNotImplemented},
		{&backend.HTTPError{StatusCode: http.StatusTooManyRequests, Type: "rate_limit_error"}, http.StatusTooManyRequests},
		{errors.New("dial tcp: refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got, _ := classifyError(tc.err); got != tc.status {
			t.Fatalf("classifyError(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestAdminCookiesImportAndList(t *testing.T) {
	r := newRelay(t)
	body := "sessionKey=" + testCookie("c").Inner() + "\nnot-a-cookie\n"
	req, _ := http.NewRequest(http.MethodPost, r.http.URL+"/admin/cookies", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testPassword)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var added map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&added)
	resp.Body.Close()
	if added["added"] != 1 {
		t.Fatalf("expected one cookie added, got %v", added)
	}

	req, _ = http.NewRequest(http.MethodGet, r.http.URL+"/admin/cookies", nil)
	req.Header.Set("Authorization", "Bearer "+testPassword)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var listed struct {
		Active []cookieStatus `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Active) != 1 || listed.Active[0].Cookie != testCookie("c").Short() {
		t.Fatalf("unexpected listing %+v", listed)
	}
}

func TestLogsWebsocketStreamsEntries(t *testing.T) {
	r := newRelay(t)
	wsURL := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/admin/logs/ws?token=" + testPassword
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	// The subscription is registered after the upgrade; retry until seen.
	got := make(chan logstore.Entry, 1)
	go func() {
		var e logstore.Entry
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	deadline := time.After(2 * time.Second)
	for {
		r.logs.Add("warn", "cookie retired", time.Time{})
		select {
		case e := <-got:
			if e.Message != "cookie retired" || e.Level != "warn" {
				t.Fatalf("unexpected entry %+v", e)
			}
			return
		case <-deadline:
			t.Fatal("no log entry received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestLogsWebsocketRejectsMissingToken(t *testing.T) {
	r := newRelay(t)
	wsURL := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/admin/logs/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestShutdownDrainsAndRejectsNewRequests(t *testing.T) {
	r := newRelay(t, testCookie("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		r.srv.waitForShutdown(ctx, make(chan error, 1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle server should drain immediately")
	}

	req, _ := http.NewRequest(http.MethodGet, r.http.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testPassword)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 503 with Retry-After while draining, got %d", resp.StatusCode)
	}
}
