package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

var (
	ErrMissingBrowserID = errors.New("session: browser id required")
	ErrUnknownFlag      = errors.New("session: unknown pending flag")
)

// Flag names a one-shot pending marker.
type Flag string

const (
	FlagGoHomeSignOut         Flag = "go_home_sign_out"
	FlagCredentialSetComplete Flag = "credential_set_complete"
)

// ParseFlag validates raw flag text.
func ParseFlag(value string) (Flag, error) {
	switch Flag(strings.ToLower(strings.TrimSpace(value))) {
	case FlagGoHomeSignOut:
		return FlagGoHomeSignOut, nil
	case FlagCredentialSetComplete:
		return FlagCredentialSetComplete, nil
	default:
		return "", ErrUnknownFlag
	}
}

// Entry is the whole identity record stored for one browser.
// Generation changes on every fresh authentication; Sequence orders the
// reconciliation passes committed within one generation.
type Entry struct {
	Snapshot     identity.Snapshot `json:"identity"`
	SessionToken string            `json:"session_token,omitempty"`
	Provisional  bool              `json:"provisional"`
	Generation   string            `json:"generation"`
	Sequence     uint64            `json:"sequence"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Store persists identity entries and pending flags per browser id.
// Put always replaces the whole entry; there is no field-level update.
type Store interface {
	Load(ctx context.Context, browserID string) (Entry, bool, error)
	Put(ctx context.Context, browserID string, entry Entry) error
	Clear(ctx context.Context, browserID string) error
	SetFlag(ctx context.Context, browserID string, flag Flag) error
	TakeFlags(ctx context.Context, browserID string) (identity.PendingFlags, error)
	ClearFlags(ctx context.Context, browserID string) error
}

func applyFlag(flags *identity.PendingFlags, flag Flag) {
	switch flag {
	case FlagGoHomeSignOut:
		flags.GoHomeSignOut = true
	case FlagCredentialSetComplete:
		flags.CredentialSetComplete = true
	}
}

func normalizeBrowserID(browserID string) (string, error) {
	trimmed := strings.TrimSpace(browserID)
	if trimmed == "" {
		return "", ErrMissingBrowserID
	}
	return trimmed, nil
}
