package proxy

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/config"
)

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return strings.TrimSpace(h.Get("X-Api-Key"))
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func passwordMatches(token, password string) bool {
	if token == "" || password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(password)) == 1
}

// requestToken also accepts ?token= since browsers cannot set headers on
// websocket upgrades.
func requestToken(r *http.Request) string {
	if tok := bearerToken(r.Header); tok != "" {
		return tok
	}
	if strings.HasSuffix(r.URL.Path, "/ws") {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		if requestTrusted(r, cfg) || passwordMatches(requestToken(r), cfg.Password) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "authentication_error", "unauthorized")
	})
}

func requestTrusted(r *http.Request, cfg config.ServerConfig) bool {
	return cfg.AllowLocalhostNoAuth && requestIsLoopback(r)
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
