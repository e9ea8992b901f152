package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/lkarlslund/sessionrelay/pkg/logstore"
)

type cookieStatus struct {
	Cookie    string `json:"cookie"`
	Model     string `json:"model,omitempty"`
	ResetTime int64  `json:"reset_time,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// handleListCookies reports the pool with cookies shortened.
func (s *Server) handleListCookies(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Snapshot()
	out := struct {
		Active []cookieStatus `json:"active"`
		Wasted []cookieStatus `json:"wasted"`
	}{Active: []cookieStatus{}, Wasted: []cookieStatus{}}
	for _, c := range st.Active {
		out.Active = append(out.Active, cookieStatus{Cookie: c.Cookie.Short(), Model: c.Model, ResetTime: c.ResetTime})
	}
	for _, c := range st.Wasted {
		out.Wasted = append(out.Wasted, cookieStatus{Cookie: c.Cookie.Short(), Reason: c.Reason.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleImportCookies accepts {"cookies":[...]} or plain text, one cookie
// per line.
func (s *Server) handleImportCookies(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	var lines []string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var in struct {
			Cookies []string `json:"cookies"`
		}
		if err := json.Unmarshal(body, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json")
			return
		}
		lines = in.Cookies
	} else {
		lines = strings.Split(string(body), "\n")
	}
	added, err := s.pool.Import(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logstore.Entry{}})
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	entries := s.logs.List(logstore.ListFilter{Level: q.Get("level"), Query: q.Get("q"), Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

var logsUpgrader = websocket.Upgrader{
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

// handleLogsWebsocket streams new log entries as JSON text frames.
func (s *Server) handleLogsWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.NotFound(w, r)
		return
	}
	conn, err := logsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	entries, cancel := s.logs.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("log feed client gone", "err", err)
				return
			}
		}
	}
}
