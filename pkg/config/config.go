package config

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "sessionrelay.toml"
	DefaultEndpoint       = "https://claude.ai"
	DefaultPadTextLen     = 4000
	DefaultBufferSize     = 8
)

var DefaultModelList = []string{
	"claude-sonnet-4-20250514",
	"claude-opus-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
}

type Settings struct {
	RenewAlways     bool `toml:"renew_always"`
	RetryRegenerate bool `toml:"retry_regenerate"`
	PassParams      bool `toml:"pass_params"`
	PreventImperson bool `toml:"prevent_imperson"`
	// XMLPlot enables the marker-stripping plot transformation. It is the only
	// supported transformation mode.
	XMLPlot        bool `toml:"xml_plot"`
	PreserveChats  bool `toml:"preserve_chats"`
	SkipRestricted bool `toml:"skip_restricted"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type DebugConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

type LogsConfig struct {
	MaxLines int `toml:"max_lines,omitempty"`
}

type ServerConfig struct {
	ListenAddr           string `toml:"listen_addr"`
	Password             string `toml:"password"`
	AllowLocalhostNoAuth bool   `toml:"allow_localhost_no_auth"`
	// Proxy is a forward proxy for all backend traffic.
	Proxy string `toml:"proxy,omitempty"`
	// RProxy overrides the backend endpoint for conversation management.
	RProxy string `toml:"rproxy,omitempty"`
	// APIRProxy overrides the backend endpoint for the completion call.
	APIRProxy      string   `toml:"api_rproxy,omitempty"`
	LogLevel       string   `toml:"log_level"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	BufferSize     int      `toml:"buffer_size"`
	UseRealRoles   bool     `toml:"use_real_roles"`
	CustomH        string   `toml:"custom_h,omitempty"`
	CustomA        string   `toml:"custom_a,omitempty"`
	CustomPrompt   string   `toml:"custom_prompt,omitempty"`
	PadTextFile    string   `toml:"padtxt_file,omitempty"`
	PadTextLen     int      `toml:"padtxt_len"`
	ModelList      []string `toml:"model_list"`

	Settings Settings    `toml:"settings"`
	Logs     LogsConfig  `toml:"logs"`
	Debug    DebugConfig `toml:"debug"`
	TLS      TLSConfig   `toml:"tls"`

	CookieArray  []cookie.Info   `toml:"cookie_array"`
	WastedCookie []cookie.Wasted `toml:"wasted_cookie"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "sessionrelay", defaultConfigFileName)
}

func DefaultDebugDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "debug"
	}
	return filepath.Join(home, ".cache", "sessionrelay", "debug")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "sessionrelay", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:     "127.0.0.1:8484",
		LogLevel:       "info",
		TimeoutSeconds: 300,
		BufferSize:     DefaultBufferSize,
		PadTextLen:     DefaultPadTextLen,
		ModelList:      slices.Clone(DefaultModelList),
		Settings: Settings{
			RenewAlways: true,
			PassParams:  false,
			XMLPlot:     true,
		},
		Logs: LogsConfig{
			MaxLines: 2000,
		},
		Debug: DebugConfig{
			Dir: DefaultDebugDir(),
		},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
		CookieArray:  []cookie.Info{},
		WastedCookie: []cookie.Wasted{},
	}
}

// Endpoint is the base URL used for organization and conversation calls.
func (c ServerConfig) Endpoint() string {
	if c.RProxy != "" {
		return c.RProxy
	}
	return DefaultEndpoint
}

// CompletionEndpoint is the base URL used for the completion call.
func (c ServerConfig) CompletionEndpoint() string {
	if c.APIRProxy != "" {
		return c.APIRProxy
	}
	return c.Endpoint()
}

// Timeout is the backend request timeout.
func (c ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PadTextPath resolves padtxt_file relative to the config file directory.
func (c *ServerConfig) PadTextPath(configPath string) string {
	if c.PadTextFile == "" || filepath.IsAbs(c.PadTextFile) {
		return c.PadTextFile
	}
	return filepath.Join(filepath.Dir(configPath), c.PadTextFile)
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreateServerConfig writes a default config with a generated password
// when path does not exist yet.
func LoadOrCreateServerConfig(path string) (*ServerConfig, bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultServerConfig()
		cfg.CookieArray = []cookie.Info{{Cookie: cookie.Parse(cookie.Placeholder)}}
		cfg.Normalize()
		if err := Save(path, cfg); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		return cfg, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat config: %w", err)
	}
	cfg, err := LoadServerConfig(path)
	return cfg, false, err
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8484"
	}
	c.Password = strings.TrimSpace(c.Password)
	if c.Password == "" {
		c.Password = GeneratePassword()
	}
	c.Proxy = strings.TrimSpace(c.Proxy)
	c.RProxy = strings.TrimRight(strings.TrimSpace(c.RProxy), "/")
	c.APIRProxy = strings.TrimRight(strings.TrimSpace(c.APIRProxy), "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 300
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PadTextLen <= 0 {
		c.PadTextLen = DefaultPadTextLen
	}
	c.CustomH = strings.TrimSpace(c.CustomH)
	c.CustomA = strings.TrimSpace(c.CustomA)
	c.PadTextFile = strings.TrimSpace(c.PadTextFile)
	models := make([]string, 0, len(c.ModelList))
	for _, m := range c.ModelList {
		m = strings.TrimSpace(m)
		if m != "" && !slices.Contains(models, m) {
			models = append(models, m)
		}
	}
	c.ModelList = models
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 2000
	}
	c.Debug.Dir = strings.TrimSpace(c.Debug.Dir)
	if c.Debug.Dir == "" {
		c.Debug.Dir = DefaultDebugDir()
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
	c.normalizeCookies(time.Now())
}

// normalizeCookies drops empty and duplicate entries, clears elapsed reset
// times and removes active cookies that are also listed as wasted.
func (c *ServerConfig) normalizeCookies(now time.Time) {
	wasted := make([]cookie.Wasted, 0, len(c.WastedCookie))
	for _, w := range c.WastedCookie {
		if w.Cookie.IsZero() || slices.ContainsFunc(wasted, w.SameCookie) {
			continue
		}
		wasted = append(wasted, w)
	}
	c.WastedCookie = wasted

	active := make([]cookie.Info, 0, len(c.CookieArray))
	seen := map[cookie.Cookie]struct{}{}
	for _, info := range c.CookieArray {
		if info.Cookie.IsZero() {
			continue
		}
		if _, ok := seen[info.Cookie]; ok {
			continue
		}
		if c.IsWasted(info.Cookie) {
			continue
		}
		seen[info.Cookie] = struct{}{}
		info.Normalize(now)
		active = append(active, info)
	}
	c.CookieArray = active
}

func (c *ServerConfig) IsWasted(ck cookie.Cookie) bool {
	return slices.ContainsFunc(c.WastedCookie, func(w cookie.Wasted) bool { return w.Cookie == ck })
}

func (c *ServerConfig) Validate() error {
	if c.Password == "" {
		return errors.New("password cannot be empty")
	}
	for name, raw := range map[string]string{"proxy": c.Proxy, "rproxy": c.RProxy, "api_rproxy": c.APIRProxy} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("log_level %q is not supported", c.LogLevel)
	}
	if c.BufferSize > 4096 {
		return errors.New("buffer_size must be <= 4096")
	}
	if c.Logs.MaxLines < 100 || c.Logs.MaxLines > 200000 {
		return errors.New("logs.max_lines must be between 100 and 200000")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

func (c *ServerConfig) clone() *ServerConfig {
	cp := *c
	cp.ModelList = slices.Clone(c.ModelList)
	cp.CookieArray = slices.Clone(c.CookieArray)
	cp.WastedCookie = slices.Clone(c.WastedCookie)
	return &cp
}

const passwordLen = 32

// GeneratePassword returns printable ASCII from '!' to '~'.
func GeneratePassword() string {
	var b strings.Builder
	span := big.NewInt(int64('~' - '!' + 1))
	for range passwordLen {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand: %v", err))
		}
		b.WriteByte(byte('!' + n.Int64()))
	}
	return b.String()
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Path() string {
	return s.path
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg.clone()
}

// Update applies mutator to a copy, validates it and persists it before
// swapping it in. A failed mutation or save leaves the store untouched.
func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.cfg.clone()
	if err := mutator(cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if s.path != "" {
		if err := Save(s.path, cp); err != nil {
			return err
		}
	}
	s.cfg = cp
	return nil
}
