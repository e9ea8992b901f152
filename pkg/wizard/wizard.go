package wizard

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
)

func RunServerWizard(r io.Reader, w io.Writer, path string, cfg *config.ServerConfig) error {
	in := bufio.NewScanner(r)
	ask := func(label, def string) string { return ask(in, w, label, def) }
	fmt.Fprintln(w, "Server configuration wizard")
	cfg.ListenAddr = ask("Listen address", cfg.ListenAddr)
	cfg.Password = ask("Relay password (empty generates one)", cfg.Password)
	cfg.Proxy = ask("Outbound proxy URL", cfg.Proxy)
	cfg.RProxy = ask("Reverse proxy endpoint", cfg.RProxy)

	var current []string
	for _, c := range cfg.CookieArray {
		if !c.Cookie.IsPlaceholder() {
			current = append(current, c.Cookie.Inner())
		}
	}
	raw := ask("Session cookies (comma-separated)", strings.Join(current, ","))
	cfg.CookieArray = cfg.CookieArray[:0]
	for _, v := range splitCSV(raw) {
		c := cookie.Parse(v)
		if !c.Validate() {
			fmt.Fprintf(w, "  skipping malformed cookie %s\n", c.Short())
			continue
		}
		cfg.CookieArray = append(cfg.CookieArray, cookie.Info{Cookie: c})
	}

	renew := ask("Renew conversation on every request? (Y/n)", boolStr(cfg.Settings.RenewAlways))
	cfg.Settings.RenewAlways = parseBool(renew, cfg.Settings.RenewAlways)
	pass := ask("Pass max_tokens/top_k/top_p to the backend? (y/N)", boolStr(cfg.Settings.PassParams))
	cfg.Settings.PassParams = parseBool(pass, cfg.Settings.PassParams)
	if v, err := strconv.Atoi(ask("Stream buffer size", strconv.Itoa(cfg.BufferSize))); err == nil && v > 0 {
		cfg.BufferSize = v
	}

	tlsEnabled := ask("Enable Let's Encrypt TLS? (y/N)", boolStr(cfg.TLS.Enabled))
	cfg.TLS.Enabled = parseBool(tlsEnabled, false)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = ask("ACME cache dir", cfg.TLS.CacheDir)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Save(path, cfg)
}

func ask(in *bufio.Scanner, w io.Writer, label, def string) string {
	if def == "" {
		fmt.Fprintf(w, "%s: ", label)
	} else {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	}
	if !in.Scan() {
		return def
	}
	txt := strings.TrimSpace(in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
