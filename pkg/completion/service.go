// Package completion turns one chat completion request into a backend
// conversation turn and streams the answer back.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/sessionrelay/pkg/backend"
	"github.com/lkarlslund/sessionrelay/pkg/cache"
	"github.com/lkarlslund/sessionrelay/pkg/config"
	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/lkarlslund/sessionrelay/pkg/pool"
	"github.com/lkarlslund/sessionrelay/pkg/prompt"
	"github.com/lkarlslund/sessionrelay/pkg/session"
	"github.com/lkarlslund/sessionrelay/pkg/stream"
	"github.com/lkarlslund/sessionrelay/pkg/version"
)

const (
	// ProbeMessage is the connection check some frontends send.
	ProbeMessage = "ping"
	// classifierPrefix starts the expression classifier prompt of
	// character frontends.
	classifierPrefix = "From the list below, choose a word that best represents a character's outfit description, action, or emotion in their dialogue"
	classifierAnswer = "neutral"

	forceSuffix     = "--force"
	modelMarker     = "claude-"
	defaultTimezone = "America/New_York"
	coolDownPeriod  = 5 * time.Minute
)

type Options struct {
	Store   *config.ServerConfigStore
	Pool    *pool.Pool
	Client  *backend.Client
	State   *session.State
	Padding *prompt.Padding
}

type Service struct {
	store   *config.ServerConfigStore
	pool    *pool.Pool
	client  *backend.Client
	state   *session.State
	padding *prompt.Padding
	now     func() time.Time
}

// New wires the service and subscribes it to session key rotations of
// opts.Client.
func New(opts Options) *Service {
	s := &Service{
		store:   opts.Store,
		pool:    opts.Pool,
		client:  opts.Client,
		state:   opts.State,
		padding: opts.Padding,
		now:     time.Now,
	}
	if s.state == nil {
		s.state = session.NewState()
	}
	s.client.OnRefresh = s.refreshCookie
	return s
}

func (s *Service) State() *session.State {
	return s.state
}

func (s *Service) refreshCookie(old, updated cookie.Cookie) {
	if err := s.pool.Refresh(old, updated); err != nil && !errors.Is(err, pool.ErrUnknownCookie) {
		log.Warn("persist refreshed cookie failed", "cookie", old.Short(), "err", err)
	}
	s.state.RefreshCookie(old, updated)
}

// Complete runs one request. Backend calls are detached from ctx; only the
// forwarding of the answer stops when ctx is done.
func (s *Service) Complete(ctx context.Context, req Request) (*Response, error) {
	cfg := s.store.Snapshot()
	req.sanitize()
	bctx := context.WithoutCancel(ctx)

	acc, err := s.resolveAccount(bctx)
	if err != nil {
		return nil, err
	}
	model := s.pickModel(acc, req.Model)
	s.state.SetModel(model)

	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	if resp, ok := probeReply(req); ok {
		return resp, nil
	}
	// The client's model name is checked, not the one bound to the cookie.
	if !slices.Contains(cfg.ModelList, req.Model) && !strings.Contains(req.Model, modelMarker) {
		return nil, &InvalidModelError{Model: req.Model}
	}

	convUUID, err := s.prepareConversation(ctx, bctx, cfg, acc, req.Messages)
	if err != nil {
		return nil, err
	}

	human := cfg.CustomH
	if human == "" {
		human = prompt.DefaultHuman
	}
	asm := prompt.Assembler{
		UseRealRoles: cfg.UseRealRoles,
		HumanLabel:   cfg.CustomH,
		AssistLabel:  cfg.CustomA,
		CustomPrompt: cfg.CustomPrompt,
		Padding:      s.padding,
		Rand:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	merged, ok := asm.Merge(req.Messages, prompt.MergeSystem(req.System))
	if !ok {
		return nil, ErrEmptyMessages
	}
	directives := prompt.ParseDirectives(merged.Paste, model)
	stops := directives.StopSequences(req.Stop)
	if !cfg.Settings.XMLPlot {
		return nil, ErrUnsupportedMode
	}
	paste := prompt.StripMarkers(merged.Paste)
	if len(merged.Images) > 0 {
		log.Debug("images are not forwarded", "count", len(merged.Images))
	}
	if directives.MessagesLog {
		log.Debug("assembled request", "model", model, "paste_chars", len(paste), "stops", stops, "fusion", directives.Fusion)
	}

	payload := buildPayload(cfg, acc, model, paste, merged.Prompt, req)
	artifacts := &cache.Artifacts{Dir: cfg.Debug.Dir, Enabled: cfg.Debug.Enabled}
	artifacts.JSON("0.messages.json", req.Messages)
	artifacts.Text("1.paste.txt", paste)
	artifacts.Text("2.padding.txt", merged.Prompt)
	artifacts.JSON("3.req.json", payload)

	upstream, err := s.client.Complete(bctx, s.currentCookie(acc), acc.OrgUUID, convUUID, payload)
	if err != nil {
		return nil, s.backendFailure(acc, err)
	}
	log.Info("completion started", "cookie", acc.Cookie.Cookie.Short(), "model", model, "stream", req.Stream, "conversation", convUUID)

	tr := stream.New(stream.Config{
		Title:                version.Title(),
		Model:                model,
		Stream:               req.Stream,
		BufferSize:           cfg.BufferSize,
		StopSequences:        stops,
		PreventImpersonation: cfg.Settings.PreventImperson,
		HumanLabel:           human,
		OnFinish: func(r stream.Result) {
			s.state.SetImpersonated(r.Impersonated)
			if r.Err != nil {
				log.Warn("completion ended with error", "conversation", convUUID, "err", r.Err)
				return
			}
			log.Debug("completion finished", "conversation", convUUID, "chars", len(r.Text), "finish", r.FinishReason, "aborted", r.Aborted)
		},
	})
	return &Response{
		ContentType: tr.ContentType(),
		Stream:      req.Stream,
		Body:        tr.Transform(ctx, upstream),
	}, nil
}

// resolveAccount keeps the bound account while its cookie stays usable,
// otherwise bootstraps pool cookies until one resolves.
func (s *Service) resolveAccount(ctx context.Context) (session.Account, error) {
	if _, err := s.pool.Revive(); err != nil {
		log.Warn("revive cookies failed", "err", err)
	}
	cfg := s.store.Snapshot()
	now := s.now()
	if acc := s.state.Snapshot().Account; acc != nil {
		i := slices.IndexFunc(cfg.CookieArray, func(c cookie.Info) bool { return c.Cookie == acc.Cookie.Cookie })
		if i >= 0 && !cfg.IsWasted(acc.Cookie.Cookie) && cfg.CookieArray[i].Usable(now) {
			return *acc, nil
		}
		s.state.ClearAccount()
	}
	var exclude *cookie.Cookie
	for range len(cfg.CookieArray) + 1 {
		info, ok := s.pool.SelectActive(exclude)
		if !ok {
			break
		}
		org, err := s.client.Bootstrap(ctx, info.Cookie)
		if err != nil {
			reason, ok := backend.ReasonOf(err)
			if !ok {
				return session.Account{}, fmt.Errorf("resolve account: %w", err)
			}
			if perr := s.penalize(info, reason); perr != nil {
				return session.Account{}, perr
			}
			failed := info.Cookie
			exclude = &failed
			continue
		}
		acc := session.Account{Cookie: info, OrgUUID: org.UUID, Pro: org.Pro}
		s.state.SetAccount(acc)
		log.Info("account selected", "cookie", info.Cookie.Short(), "org", org.UUID, "pro", org.Pro)
		return acc, nil
	}
	return session.Account{}, ErrNoValidCredential
}

func (s *Service) pickModel(acc session.Account, requested string) string {
	stripped := strings.TrimSpace(strings.ReplaceAll(requested, forceSuffix, ""))
	if acc.Pro || acc.Cookie.Model == "" {
		return stripped
	}
	return acc.Cookie.Model
}

// prepareConversation applies the renewal decision. Create and delete run
// under the state's lifecycle slot.
func (s *Service) prepareConversation(ctx, bctx context.Context, cfg config.ServerConfig, acc session.Account, messages []prompt.Message) (string, error) {
	release, err := s.state.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	snap := s.state.Snapshot()
	group := session.FindPrompts(messages)
	character := ""
	if group.FirstSystem != nil {
		character = group.FirstSystem.Name
	}
	d := session.Decide(session.Inputs{
		RenewAlways:      cfg.Settings.RenewAlways,
		RetryRegenerate:  cfg.Settings.RetryRegenerate,
		HasConversation:  snap.ConvUUID != "",
		PrevImpersonated: snap.PrevImpersonated,
		HasCharacter:     snap.Character != "",
		Current:          messages,
		Previous:         snap.PrevMessages,
	})
	log.Debug("conversation decision", "strategy", d.Strategy, "renew", d.ShouldRenew, "same_prompts", d.SamePrompts, "retry_regen", d.RetryRegen)
	if d.UpdateHistory {
		s.state.SetPrevMessages(messages)
	}
	if d.Strategy.IsCurrent() && !d.ShouldRenew && snap.ConvUUID != "" {
		s.state.IncrementDepth()
		return snap.ConvUUID, nil
	}

	ck := s.currentCookie(acc)
	if d.DeleteCurrent && snap.ConvUUID != "" {
		if cfg.Settings.PreserveChats {
			log.Debug("keeping previous conversation", "conversation", snap.ConvUUID)
		} else if err := s.client.DeleteConversation(bctx, ck, acc.OrgUUID, snap.ConvUUID); err != nil {
			log.Warn("delete conversation failed", "conversation", snap.ConvUUID, "err", err)
		}
	}
	s.state.EndConversation()

	id := uuid.NewString()
	if err := s.client.CreateConversation(bctx, ck, acc.OrgUUID, id); err != nil {
		return "", s.backendFailure(acc, err)
	}
	s.state.BeginConversation(id, character)
	log.Debug("conversation created", "conversation", id)
	return id, nil
}

// currentCookie follows rotations that happened after acc was resolved.
func (s *Service) currentCookie(acc session.Account) cookie.Cookie {
	if cur := s.state.Snapshot().Account; cur != nil && cur.OrgUUID == acc.OrgUUID {
		return cur.Cookie.Cookie
	}
	return acc.Cookie.Cookie
}

// backendFailure penalizes the cookie when err says something about it and
// returns err unchanged otherwise.
func (s *Service) backendFailure(acc session.Account, err error) error {
	reason, ok := backend.ReasonOf(err)
	if !ok {
		return err
	}
	info := acc.Cookie
	info.Cookie = s.currentCookie(acc)
	if perr := s.penalize(info, reason); perr != nil {
		log.Error("update cookie state failed", "cookie", info.Cookie.Short(), "err", perr)
	}
	return err
}

func (s *Service) penalize(info cookie.Info, reason cookie.Reason) error {
	if cur := s.state.Snapshot().Account; cur != nil && cur.Cookie.Cookie == info.Cookie {
		s.state.ClearAccount()
	}
	if reason.Kind == cookie.ReasonCoolDown {
		resetAt := reason.ResetAt
		if resetAt == 0 {
			resetAt = s.now().Add(coolDownPeriod).Unix()
		}
		log.Warn("cookie cooling down", "cookie", info.Cookie.Short(), "until", time.Unix(resetAt, 0).UTC())
		if err := s.pool.Defer(info.Cookie, resetAt); err != nil && !errors.Is(err, pool.ErrUnknownCookie) {
			return err
		}
		return nil
	}
	return s.pool.Retire(info, reason)
}

type attachment struct {
	FileName         string `json:"file_name"`
	FileType         string `json:"file_type"`
	FileSize         int    `json:"file_size"`
	ExtractedContent string `json:"extracted_content"`
}

type payload struct {
	Attachments       []attachment `json:"attachments"`
	Files             []string     `json:"files"`
	Model             string       `json:"model,omitempty"`
	RenderingMode     string       `json:"rendering_mode"`
	Prompt            string       `json:"prompt"`
	Timezone          string       `json:"timezone"`
	MaxTokensToSample *int         `json:"max_tokens_to_sample,omitempty"`
	TopK              *int         `json:"top_k,omitempty"`
	TopP              *float64     `json:"top_p,omitempty"`
}

func buildPayload(cfg config.ServerConfig, acc session.Account, model, paste, polyfill string, req Request) payload {
	p := payload{
		Attachments: []attachment{{
			FileName:         "paste.txt",
			FileType:         "txt",
			FileSize:         len(paste),
			ExtractedContent: paste,
		}},
		Files:         []string{},
		RenderingMode: "raw",
		Prompt:        polyfill,
		Timezone:      defaultTimezone,
	}
	if acc.Pro {
		p.Model = model
	}
	if cfg.Settings.PassParams {
		p.MaxTokensToSample = req.MaxTokens
		p.TopK = req.TopK
		p.TopP = req.TopP
	}
	return p
}

type probeMessage struct {
	Content string `json:"content"`
}

type probeChoice struct {
	Message probeMessage `json:"message"`
}

type probeBody struct {
	Choices []probeChoice `json:"choices"`
}

// probeReply answers capability probes without touching the backend.
func probeReply(req Request) (*Response, bool) {
	if req.Stream {
		return nil, false
	}
	first := req.Messages[0]
	text := first.Content.PlainText()
	var answer string
	switch {
	case len(req.Messages) == 1 && first.Role == prompt.RoleUser && text == ProbeMessage:
		answer = version.Title()
	case strings.HasPrefix(text, classifierPrefix):
		answer = classifierAnswer
	default:
		return nil, false
	}
	b, err := json.Marshal(probeBody{Choices: []probeChoice{{Message: probeMessage{Content: answer}}}})
	if err != nil {
		return nil, false
	}
	return &Response{
		ContentType: "application/json",
		Body:        io.NopCloser(bytes.NewReader(b)),
	}, true
}
