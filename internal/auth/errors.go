package auth

import (
	"errors"

	"github.com/wadahiro/iesgate/internal/protocol"
)

var (
	// ErrEntropy means no secure random source was available; login cannot start.
	ErrEntropy = protocol.ErrEntropy

	ErrNoPendingLogin = errors.New("no pending login for this tab")
	ErrPendingExpired = errors.New("pending login expired")
	ErrStateMismatch  = errors.New("state mismatch")
	ErrProviderDenied = errors.New("identity provider returned an error")
	ErrTokenExchange  = errors.New("token exchange failed")
)
