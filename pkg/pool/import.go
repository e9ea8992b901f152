package pool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
)

// ImportFile reads one cookie per line from path.
func (p *Pool) ImportFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open cookie file: %w", err)
	}
	defer func() { _ = f.Close() }()
	lines, err := readLines(f)
	if err != nil {
		return 0, fmt.Errorf("read cookie file: %w", err)
	}
	return p.Import(lines)
}

// Import adds every valid cookie in lines that is neither active nor wasted
// yet. It returns the number of cookies added.
func (p *Pool) Import(lines []string) (int, error) {
	cfg := p.store.Snapshot()
	var fresh []cookie.Cookie
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c := cookie.Parse(line)
		switch {
		case !c.Validate():
			log.Warn("skipping invalid cookie", "line", truncate(line, 32))
		case cfg.IsWasted(c):
			log.Warn("skipping wasted cookie", "cookie", c.Short())
		case slices.ContainsFunc(cfg.CookieArray, func(i cookie.Info) bool { return i.Cookie == c }):
			log.Info("skipping duplicate cookie", "cookie", c.Short())
		default:
			fresh = append(fresh, c)
		}
	}
	slices.SortFunc(fresh, func(a, b cookie.Cookie) int { return strings.Compare(a.Inner(), b.Inner()) })
	fresh = slices.Compact(fresh)
	if len(fresh) == 0 {
		return 0, nil
	}
	err := p.store.Update(func(cfg *config.ServerConfig) error {
		cfg.CookieArray = slices.DeleteFunc(cfg.CookieArray, func(i cookie.Info) bool { return i.Cookie.IsPlaceholder() })
		for _, c := range fresh {
			cfg.CookieArray = append(cfg.CookieArray, cookie.Info{Cookie: c})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info("imported cookies", "count", len(fresh))
	return len(fresh), nil
}

func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
