package redirect

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

const (
	queryLogin   = "login"
	queryUser    = "user"
	queryMessage = "message"
)

var (
	ErrPayloadDecode       = errors.New("redirect: identity payload could not be decoded")
	ErrPayloadMissingEmail = fmt.Errorf("%w: email is required", ErrPayloadDecode)
)

// Kind is the parsed redirect result.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindNone    Kind = "none"
)

// Outcome is what one navigation carried in its query string.
type Outcome struct {
	Kind               Kind   `json:"kind"`
	RawIdentityPayload string `json:"-"`
	ErrorMessage       string `json:"error_message,omitempty"`
}

// Parse inspects the login query parameters of rawURL. Unparseable URLs and
// unknown login values yield KindNone.
func Parse(rawURL string) Outcome {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Outcome{Kind: KindNone}
	}
	return ParseQuery(parsed.Query())
}

// ParseQuery is Parse for already decoded query values.
func ParseQuery(values url.Values) Outcome {
	switch strings.ToLower(strings.TrimSpace(values.Get(queryLogin))) {
	case string(KindSuccess):
		return Outcome{Kind: KindSuccess, RawIdentityPayload: values.Get(queryUser)}
	case string(KindError):
		return Outcome{Kind: KindError, ErrorMessage: strings.TrimSpace(values.Get(queryMessage))}
	default:
		return Outcome{Kind: KindNone}
	}
}

type identityPayload struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Name        string  `json:"name"`
	Role        *string `json:"role"`
	Status      *string `json:"status"`
	AvatarURL   string  `json:"avatar_url"`
	CoverURL    string  `json:"cover_url"`
}

// DecodePayload turns the identity blob of a successful redirect into a candidate.
// Payloads that are still percent-encoded after query decoding are unescaped once more.
func DecodePayload(raw string) (identity.Candidate, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return identity.Candidate{}, fmt.Errorf("%w: empty payload", ErrPayloadDecode)
	}
	if !strings.HasPrefix(trimmed, "{") {
		unescaped, err := url.QueryUnescape(trimmed)
		if err != nil {
			return identity.Candidate{}, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		trimmed = strings.TrimSpace(unescaped)
	}

	var payload identityPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return identity.Candidate{}, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}
	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if email == "" {
		return identity.Candidate{}, ErrPayloadMissingEmail
	}

	candidate := identity.Candidate{
		SubjectID:   strings.TrimSpace(payload.ID),
		Email:       email,
		DisplayName: strings.TrimSpace(payload.DisplayName),
		AvatarURL:   strings.TrimSpace(payload.AvatarURL),
		CoverURL:    strings.TrimSpace(payload.CoverURL),
		Provenance:  identity.ProvenanceOAuthRedirect,
	}
	if candidate.DisplayName == "" {
		candidate.DisplayName = strings.TrimSpace(payload.Name)
	}
	if payload.Role != nil {
		candidate.Role = identity.ParseRole(*payload.Role)
	}
	if payload.Status != nil {
		candidate.Status = identity.ParseStatus(*payload.Status)
	}
	return candidate, nil
}
