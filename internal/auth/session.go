package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Storage keys. The ies_ prefix keeps them apart from anything else a tab stores.
const (
	keyTokens  = "ies_tokens"
	keyUser    = "ies_user"
	keyPending = "ies_pending_login"
)

// Session is the tab-scoped sign-in state: the token bundle and the profile
// hint derived from it. It is the only writer of both.
type Session struct {
	store    Storage
	idClaims []string
}

// NewSession returns a Session over store. A fresh store means signed out.
func NewSession(store Storage, idClaims []string) *Session {
	return &Session{store: store, idClaims: idClaims}
}

// SetTokens replaces the token bundle and recomputes the profile hint.
// An undecodable ID token clears the profile but keeps the tokens.
func (s *Session) SetTokens(bundle TokenBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encode token bundle: %w", err)
	}
	if err := s.store.Set(keyTokens, string(raw)); err != nil {
		return fmt.Errorf("store token bundle: %w", err)
	}

	if bundle.IDToken == "" {
		s.store.Remove(keyUser)
		return nil
	}
	profile, err := ExtractProfileHint(bundle.IDToken, s.idClaims)
	if err != nil {
		slog.Warn("ID token payload could not be decoded; profile unavailable", "error", err)
		s.store.Remove(keyUser)
		return nil
	}
	rawUser, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.store.Set(keyUser, string(rawUser)); err != nil {
		return fmt.Errorf("store profile: %w", err)
	}
	return nil
}

// User returns the profile hint, or nil when signed out or undecodable.
func (s *Session) User() *ProfileHint {
	raw, ok := s.store.Get(keyUser)
	if !ok {
		return nil
	}
	var p ProfileHint
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	return &p
}

// AccessToken returns the stored access token.
func (s *Session) AccessToken() (string, bool) {
	b := s.tokens()
	if b == nil || b.AccessToken == "" {
		return "", false
	}
	return b.AccessToken, true
}

// IDToken returns the stored raw ID token, or "".
func (s *Session) IDToken() string {
	if b := s.tokens(); b != nil {
		return b.IDToken
	}
	return ""
}

// Authenticated reports whether an access token is held.
func (s *Session) Authenticated() bool {
	_, ok := s.AccessToken()
	return ok
}

// Clear removes tokens, profile and any leftover pending login. Idempotent.
func (s *Session) Clear() {
	s.store.Remove(keyTokens)
	s.store.Remove(keyUser)
	s.store.Remove(keyPending)
}

func (s *Session) tokens() *TokenBundle {
	raw, ok := s.store.Get(keyTokens)
	if !ok {
		return nil
	}
	var b TokenBundle
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil
	}
	return &b
}
