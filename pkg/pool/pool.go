// Package pool hands out session cookies and retires the ones the backend
// rejects. All state lives in the config store so every mutation is
// persisted before it becomes visible.
package pool

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
)

var ErrUnknownCookie = errors.New("cookie not in active pool")

type Pool struct {
	store *config.ServerConfigStore

	mu     sync.Mutex
	cursor int
}

var nowUTC = func() time.Time { return time.Now().UTC() }

// New returns a pool backed by store. The store owns the cookie lists.
func New(store *config.ServerConfigStore) *Pool {
	return &Pool{store: store}
}

// SelectActive returns the next usable cookie in round-robin order, skipping
// wasted cookies and exclude.
func (p *Pool) SelectActive(exclude *cookie.Cookie) (cookie.Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.store.Snapshot()
	n := len(cfg.CookieArray)
	now := nowUTC()
	for i := range n {
		idx := (p.cursor + i) % n
		info := cfg.CookieArray[idx]
		if exclude != nil && info.Cookie == *exclude {
			continue
		}
		if cfg.IsWasted(info.Cookie) || !info.Usable(now) {
			continue
		}
		p.cursor = idx + 1
		return info, true
	}
	return cookie.Info{}, false
}

// Retire moves info into the wasted list. Retiring an already wasted cookie
// replaces its reason.
func (p *Pool) Retire(info cookie.Info, reason cookie.Reason) error {
	err := p.store.Update(func(cfg *config.ServerConfig) error {
		cfg.CookieArray = slices.DeleteFunc(cfg.CookieArray, func(c cookie.Info) bool { return c.Cookie == info.Cookie })
		w := cookie.Wasted{Cookie: info.Cookie, Reason: reason}
		if i := slices.IndexFunc(cfg.WastedCookie, w.SameCookie); i >= 0 {
			cfg.WastedCookie[i].Reason = reason
			return nil
		}
		cfg.WastedCookie = append(cfg.WastedCookie, w)
		return nil
	})
	if err != nil {
		return err
	}
	log.Warn("cookie retired", "cookie", info.Cookie.Short(), "reason", reason.String())
	return nil
}

// Defer keeps the cookie active but hides it until resetAt.
func (p *Pool) Defer(c cookie.Cookie, resetAt int64) error {
	return p.store.Update(func(cfg *config.ServerConfig) error {
		i := slices.IndexFunc(cfg.CookieArray, func(info cookie.Info) bool { return info.Cookie == c })
		if i < 0 {
			return ErrUnknownCookie
		}
		cfg.CookieArray[i].ResetTime = resetAt
		return nil
	})
}

// Refresh swaps old for a session key the backend rotated in a response.
func (p *Pool) Refresh(old, updated cookie.Cookie) error {
	if old == updated || updated.IsZero() {
		return nil
	}
	err := p.store.Update(func(cfg *config.ServerConfig) error {
		i := slices.IndexFunc(cfg.CookieArray, func(info cookie.Info) bool { return info.Cookie == old })
		if i < 0 {
			return ErrUnknownCookie
		}
		cfg.CookieArray[i].Cookie = updated
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("cookie refreshed", "old", old.Short(), "new", updated.Short())
	return nil
}

// IsEmpty reports whether no active cookie can be handed out right now.
func (p *Pool) IsEmpty() bool {
	cfg := p.store.Snapshot()
	now := nowUTC()
	for _, info := range cfg.CookieArray {
		if !cfg.IsWasted(info.Cookie) && info.Usable(now) {
			return false
		}
	}
	return true
}

// Revive returns exhausted cookies whose reset time has passed to the
// active pool.
func (p *Pool) Revive() (int, error) {
	now := nowUTC()
	revived := 0
	cfg := p.store.Snapshot()
	if !slices.ContainsFunc(cfg.WastedCookie, func(w cookie.Wasted) bool { return w.Reason.Expired(now) }) {
		return 0, nil
	}
	err := p.store.Update(func(cfg *config.ServerConfig) error {
		kept := cfg.WastedCookie[:0]
		for _, w := range cfg.WastedCookie {
			if !w.Reason.Expired(now) {
				kept = append(kept, w)
				continue
			}
			cfg.CookieArray = append(cfg.CookieArray, cookie.Info{Cookie: w.Cookie})
			revived++
		}
		cfg.WastedCookie = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	if revived > 0 {
		log.Info("revived exhausted cookies", "count", revived)
	}
	return revived, nil
}

type Status struct {
	Active []cookie.Info   `json:"active"`
	Wasted []cookie.Wasted `json:"wasted"`
}

func (p *Pool) Snapshot() Status {
	cfg := p.store.Snapshot()
	return Status{Active: cfg.CookieArray, Wasted: cfg.WastedCookie}
}
