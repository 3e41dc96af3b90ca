package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// savePending persists the pending login, replacing any orphaned one.
func savePending(store Storage, p PendingLogin) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending login: %w", err)
	}
	if err := store.Set(keyPending, string(raw)); err != nil {
		return fmt.Errorf("store pending login: %w", err)
	}
	return nil
}

// takePending reads and deletes the pending login. A record older than ttl
// is reported as ErrPendingExpired but still removed.
func takePending(store Storage, now time.Time, ttl time.Duration) (*PendingLogin, error) {
	raw, ok := store.Get(keyPending)
	if !ok {
		return nil, ErrNoPendingLogin
	}
	store.Remove(keyPending)

	var p PendingLogin
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.State == "" || p.Verifier == "" {
		return nil, ErrNoPendingLogin
	}
	if ttl > 0 && now.Sub(p.CreatedAt) > ttl {
		return &p, ErrPendingExpired
	}
	return &p, nil
}
