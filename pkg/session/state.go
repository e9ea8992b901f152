package session

import (
	"context"
	"slices"
	"sync"

	"github.com/lkarlslund/sessionrelay/pkg/cookie"
	"github.com/lkarlslund/sessionrelay/pkg/prompt"
)

// Account is the backend identity resolved for a cookie.
type Account struct {
	Cookie  cookie.Info
	OrgUUID string
	// Pro accounts may pick their model per request.
	Pro bool
}

// State is the conversation bound to the active account. Field access goes
// through the RWMutex; creating and deleting conversations additionally
// holds the lifecycle slot from Acquire.
type State struct {
	slot chan struct{}

	mu               sync.RWMutex
	account          *Account
	convUUID         string
	model            string
	prevMessages     []prompt.Message
	prevImpersonated bool
	depth            int
	character        string
}

func NewState() *State {
	return &State{slot: make(chan struct{}, 1)}
}

// Acquire reserves the conversation lifecycle. The returned release must be
// called exactly once.
func (s *State) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-s.slot }) }, nil
}

// Snapshot is a copy of State for decisions and inspection.
type Snapshot struct {
	Account          *Account
	ConvUUID         string
	Model            string
	PrevMessages     []prompt.Message
	PrevImpersonated bool
	Depth            int
	Character        string
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ConvUUID:         s.convUUID,
		Model:            s.model,
		PrevMessages:     slices.Clone(s.prevMessages),
		PrevImpersonated: s.prevImpersonated,
		Depth:            s.depth,
		Character:        s.character,
	}
	if s.account != nil {
		acc := *s.account
		snap.Account = &acc
	}
	return snap
}

// SetAccount binds a new account. Switching to a different cookie drops the
// conversation, which belongs to the previous account.
func (s *State) SetAccount(acc Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && s.account.Cookie.Cookie == acc.Cookie.Cookie && s.account.OrgUUID == acc.OrgUUID {
		s.account = &acc
		return
	}
	s.account = &acc
	s.convUUID = ""
	s.prevMessages = nil
	s.prevImpersonated = false
	s.depth = 0
	s.character = ""
}

// ClearAccount forgets the account, e.g. after its cookie was retired.
func (s *State) ClearAccount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = nil
	s.convUUID = ""
	s.depth = 0
	s.character = ""
}

// RefreshCookie follows a backend session key rotation.
func (s *State) RefreshCookie(old, updated cookie.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != nil && s.account.Cookie.Cookie == old {
		s.account.Cookie.Cookie = updated
	}
}

// SetModel records the model the last request was sent with.
func (s *State) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// SetPrevMessages stores a copy of msgs for the next renewal decision.
func (s *State) SetPrevMessages(msgs []prompt.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevMessages = slices.Clone(msgs)
}

// BeginConversation records a freshly created conversation.
func (s *State) BeginConversation(uuid, character string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convUUID = uuid
	s.depth = 0
	s.character = character
}

// EndConversation forgets the current conversation but keeps the account.
func (s *State) EndConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convUUID = ""
	s.depth = 0
}

// IncrementDepth counts one more turn in the current conversation.
func (s *State) IncrementDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth++
	return s.depth
}

// SetImpersonated records whether the last reply spoke as the user.
func (s *State) SetImpersonated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevImpersonated = v
}
