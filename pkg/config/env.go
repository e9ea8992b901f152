package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
)

const envPrefix = "SESSIONRELAY_"

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are ignored; existing variables are never overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		log.Debug("loaded env file", "path", f)
	}
	return nil
}

// ApplyEnv overlays SESSIONRELAY_* variables onto cfg. It reports whether
// anything changed.
func ApplyEnv(cfg *ServerConfig) bool {
	changed := false
	set := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			changed = true
		}
	}
	set("LISTEN_ADDR", &cfg.ListenAddr)
	set("PASSWORD", &cfg.Password)
	set("PROXY", &cfg.Proxy)
	set("RPROXY", &cfg.RProxy)
	set("API_RPROXY", &cfg.APIRProxy)
	set("LOG_LEVEL", &cfg.LogLevel)
	if v, ok := os.LookupEnv(envPrefix + "COOKIES"); ok {
		for _, raw := range strings.Split(v, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			c := cookie.Parse(raw)
			if !c.Validate() {
				continue
			}
			cfg.CookieArray = append(cfg.CookieArray, cookie.Info{Cookie: c})
			changed = true
		}
	}
	return changed
}
