// Package backend talks to the conversational web API on behalf of a
// session cookie.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/sessionrelay/pkg/cache"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/tidwall/gjson"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	accountTTL       = 10 * time.Minute
	errorBodyLimit   = 4096
)

type Options struct {
	// Endpoint serves organization and conversation calls.
	Endpoint string
	// CompletionEndpoint serves the completion call. Defaults to Endpoint.
	CompletionEndpoint string
	// Proxy is an optional forward proxy URL.
	Proxy     string
	Timeout   time.Duration
	UserAgent string
	// SkipRestricted rejects organizations carrying a restriction flag.
	SkipRestricted bool
	// Transport replaces the default transport, mainly for tests.
	Transport http.RoundTripper
}

// Organization is the backend account a cookie belongs to.
type Organization struct {
	UUID         string   `json:"uuid"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Pro          bool     `json:"pro"`
}

type Client struct {
	endpoint           string
	completionEndpoint string
	skipRestricted     bool
	api                *http.Client
	stream             *http.Client
	orgs               *cache.TTLMap[cookie.Cookie, Organization]

	// OnRefresh is called when a response rotates the session key.
	OnRefresh func(old, updated cookie.Cookie)
}

func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("backend endpoint is required")
	}
	completion := strings.TrimRight(strings.TrimSpace(opts.CompletionEndpoint), "/")
	if completion == "" {
		completion = endpoint
	}
	base := opts.Transport
	if base == nil {
		tr := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
		}
		if opts.Proxy != "" {
			u, err := url.Parse(opts.Proxy)
			if err != nil {
				return nil, fmt.Errorf("parse proxy url: %w", err)
			}
			tr.Proxy = http.ProxyURL(u)
		}
		base = tr
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	rt := browserRoundTripper{Base: base, Origin: endpoint, UserAgent: ua}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:           endpoint,
		completionEndpoint: completion,
		skipRestricted:     opts.SkipRestricted,
		api:                &http.Client{Transport: rt, Timeout: timeout},
		// Streams are bounded by the caller's context, not a client timeout.
		stream: &http.Client{Transport: rt},
		orgs:   cache.NewTTLMap[cookie.Cookie, Organization](),
	}, nil
}

// browserRoundTripper makes requests look like they come from the web app.
type browserRoundTripper struct {
	Base      http.RoundTripper
	Origin    string
	UserAgent string
}

func (rt browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header = req.Header.Clone()
	out.Header.Set("Origin", rt.Origin)
	if out.Header.Get("Referer") == "" {
		out.Header.Set("Referer", rt.Origin+"/")
	}
	out.Header.Set("User-Agent", rt.UserAgent)
	out.Header.Set("Accept-Encoding", "gzip, zstd")
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}
	if out.Body != nil && out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}
	resp, err := rt.Base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	body, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	if body != resp.Body {
		resp.Body = body
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, ck cookie.Cookie, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", ck.String())
	return req, nil
}

// do sends req, reports rotated cookies and converts non-2xx answers into
// *HTTPError. On success the caller owns resp.Body.
func (c *Client) do(hc *http.Client, op string, ck cookie.Cookie, req *http.Request) (*http.Response, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", op, err)
	}
	c.observeRefresh(ck, resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, newHTTPError(op, resp.StatusCode, b)
	}
	return resp, nil
}

func (c *Client) observeRefresh(old cookie.Cookie, resp *http.Response) {
	for _, hc := range resp.Cookies() {
		if hc.Name != "sessionKey" || hc.Value == "" {
			continue
		}
		updated := cookie.Parse(hc.Value)
		if updated == old || !updated.Validate() {
			return
		}
		if org, ok := c.orgs.GetFresh(old, time.Now()); ok {
			c.orgs.SetWithTTL(updated, org, time.Now(), accountTTL)
		}
		c.orgs.Delete(old)
		log.Debug("backend rotated session key", "old", old.Short(), "new", updated.Short())
		if c.OnRefresh != nil {
			c.OnRefresh(old, updated)
		}
		return
	}
}

func (c *Client) orgURL(base, org string, parts ...string) string {
	p := []string{base, "api", "organizations", url.PathEscape(org)}
	for _, s := range parts {
		p = append(p, url.PathEscape(s))
	}
	return strings.Join(p, "/")
}

// Bootstrap resolves the organization for ck. Results are cached briefly.
func (c *Client) Bootstrap(ctx context.Context, ck cookie.Cookie) (Organization, error) {
	if org, ok := c.orgs.GetFresh(ck, time.Now()); ok {
		return org, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint+"/api/organizations", ck, nil)
	if err != nil {
		return Organization{}, err
	}
	resp, err := c.do(c.api, "organizations", ck, req)
	if err != nil {
		return Organization{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Organization{}, fmt.Errorf("read organizations: %w", err)
	}
	org, err := c.pickOrganization(b)
	if err != nil {
		return Organization{}, err
	}
	c.orgs.SetWithTTL(ck, org, time.Now(), accountTTL)
	return org, nil
}

func (c *Client) pickOrganization(body []byte) (Organization, error) {
	if !gjson.ValidBytes(body) {
		return Organization{}, fmt.Errorf("organizations: invalid json")
	}
	var found *Organization
	var flagErr error
	gjson.ParseBytes(body).ForEach(func(_, o gjson.Result) bool {
		var caps []string
		for _, v := range o.Get("capabilities").Array() {
			caps = append(caps, v.String())
		}
		if !slices.Contains(caps, "chat") {
			return true
		}
		for _, f := range o.Get("active_flags").Array() {
			flag := f.Get("type").String()
			if flag == "" {
				flag = f.String()
			}
			switch {
			case strings.Contains(flag, "banned"):
				flagErr = &AccountError{reason: cookie.Of(cookie.ReasonBanned), Detail: flag}
				return false
			case strings.Contains(flag, "restricted") && c.skipRestricted:
				flagErr = &AccountError{reason: cookie.Of(cookie.ReasonDisabled), Detail: flag}
				return false
			}
		}
		found = &Organization{
			UUID:         o.Get("uuid").String(),
			Name:         o.Get("name").String(),
			Capabilities: caps,
			Pro:          slices.Contains(caps, "claude_pro") || slices.Contains(caps, "raven") || slices.Contains(caps, "claude_max"),
		}
		return false
	})
	if flagErr != nil {
		return Organization{}, flagErr
	}
	if found == nil || found.UUID == "" {
		return Organization{}, &AccountError{reason: cookie.Of(cookie.ReasonDisabled), Detail: "no organization with chat capability"}
	}
	return *found, nil
}

type createConversationRequest struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (c *Client) CreateConversation(ctx context.Context, ck cookie.Cookie, org, uuid string) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.orgURL(c.endpoint, org, "chat_conversations"), ck, createConversationRequest{UUID: uuid})
	if err != nil {
		return err
	}
	resp, err := c.do(c.api, "create conversation", ck, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) DeleteConversation(ctx context.Context, ck cookie.Cookie, org, uuid string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.orgURL(c.endpoint, org, "chat_conversations", uuid), ck, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(c.api, "delete conversation", ck, req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// Complete posts payload to the conversation and returns the event stream.
func (c *Client) Complete(ctx context.Context, ck cookie.Cookie, org, uuid string, payload any) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.orgURL(c.completionEndpoint, org, "chat_conversations", uuid, "completion"), ck, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Referer", c.endpoint+"/chat/"+uuid)
	resp, err := c.do(c.stream, "completion", ck, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
