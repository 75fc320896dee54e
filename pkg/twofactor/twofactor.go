package twofactor

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ProviderType identifies a two-factor provider. Values match the wire
// encoding used by the identity endpoint.
type ProviderType int

const (
	ProviderAuthenticator   ProviderType = 0
	ProviderEmail           ProviderType = 1
	ProviderDuo             ProviderType = 2
	ProviderYubikey         ProviderType = 3
	ProviderU2F             ProviderType = 4
	ProviderRemember        ProviderType = 5
	ProviderOrganizationDuo ProviderType = 6
	ProviderWebAuthn        ProviderType = 7
)

func (p ProviderType) String() string {
	switch p {
	case ProviderAuthenticator:
		return "authenticator"
	case ProviderEmail:
		return "email"
	case ProviderDuo:
		return "duo"
	case ProviderYubikey:
		return "yubikey"
	case ProviderU2F:
		return "u2f"
	case ProviderRemember:
		return "remember"
	case ProviderOrganizationDuo:
		return "organizationDuo"
	case ProviderWebAuthn:
		return "webauthn"
	default:
		return "unknown"
	}
}

// priority orders providers for default selection; higher wins.
var priority = map[ProviderType]int{
	ProviderWebAuthn:        4,
	ProviderAuthenticator:   3,
	ProviderYubikey:         3,
	ProviderDuo:             2,
	ProviderOrganizationDuo: 10,
	ProviderEmail:           0,
	ProviderU2F:             -1,
}

// State tracks the providers offered by the server for the login in
// progress and which one the user selected.
type State struct {
	mu        sync.Mutex
	providers map[ProviderType]map[string]any
	selected  *ProviderType
}

func NewState() *State {
	return &State{}
}

// SetProviders replaces the offered provider set, keyed by the wire form
// (decimal strings).
func (s *State) SetProviders(wire map[string]map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = make(map[ProviderType]map[string]any, len(wire))
	for k, data := range wire {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		s.providers[ProviderType(n)] = data
	}
}

func (s *State) Providers() map[ProviderType]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ProviderType]map[string]any, len(s.providers))
	for k, v := range s.providers {
		out[k] = v
	}
	return out
}

func (s *State) SetSelected(p ProviderType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = &p
}

// ClearSelected forgets the selected provider; called at the start of
// every identity exchange so a stale selection never leaks into a new
// attempt.
func (s *State) ClearSelected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = nil
}

func (s *State) Selected() (ProviderType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return 0, false
	}
	return *s.selected, true
}

// DefaultProvider picks the highest-priority provider from the offered set.
func (s *State) DefaultProvider() (ProviderType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.providers) == 0 {
		return 0, false
	}
	types := make([]ProviderType, 0, len(s.providers))
	for p := range s.providers {
		types = append(types, p)
	}
	sort.Slice(types, func(i, j int) bool {
		if priority[types[i]] != priority[types[j]] {
			return priority[types[i]] > priority[types[j]]
		}
		return types[i] < types[j]
	})
	return types[0], true
}

// MaskedEmail returns the masked email destination offered by the email
// provider, if the server sent one.
func (s *State) MaskedEmail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.providers[ProviderEmail]; ok {
		if v, ok := data["Email"].(string); ok {
			return v
		}
	}
	return ""
}

// MaskEmail masks the local part of an address, keeping the first and last
// characters: "john@example.com" -> "j***n@example.com".
func MaskEmail(email string) string {
	local, domain, found := strings.Cut(email, "@")
	if !found || len(local) < 2 {
		return email
	}
	if len(local) == 2 {
		return local[:1] + "*" + local[1:] + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + "@" + domain
}
