package identity

import (
	"strings"
	"time"
)

// Role is the closed set of actor roles recognised by the storefront.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCreator  Role = "creator"
	RoleAdmin    Role = "admin"
)

// Status is the approval state recorded for an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusPending   Status = "pending"
	StatusSuspended Status = "suspended"
	// StatusUndefined means no status was recorded. It gates like StatusActive.
	StatusUndefined Status = "undefined"
)

// Provenance records how an identity reached the service. Never used for authorization.
type Provenance string

const (
	ProvenanceOAuthRedirect     Provenance = "oauth_redirect"
	ProvenancePasswordLogin     Provenance = "password_login"
	ProvenanceRestoredSession   Provenance = "restored_session"
	ProvenanceDelegatedProvider Provenance = "delegated_provider"
)

// ParseRole maps raw role text to a Role. Unknown or empty input yields "" (absent).
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleCustomer:
		return RoleCustomer
	case RoleCreator:
		return RoleCreator
	case RoleAdmin:
		return RoleAdmin
	default:
		return ""
	}
}

// ParseStatus maps raw status text to a Status. Unknown, empty and "null" yield "" (absent).
func ParseStatus(value string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusActive:
		return StatusActive
	case StatusPending:
		return StatusPending
	case StatusSuspended:
		return StatusSuspended
	case StatusUndefined:
		return StatusUndefined
	default:
		return ""
	}
}

// Snapshot is the canonical merged view of the current actor.
type Snapshot struct {
	SubjectID   string     `json:"subject_id,omitempty"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        Role       `json:"role"`
	Status      Status     `json:"status"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
	Provenance  Provenance `json:"provenance"`
}

// IsPrivilegedActive reports whether the actor may use creator/admin surfaces.
func (s Snapshot) IsPrivilegedActive() bool {
	if s.Role != RoleCreator && s.Role != RoleAdmin {
		return false
	}
	return s.Status == StatusActive || s.Status == StatusUndefined
}

// IsPendingCreator reports whether the snapshot looks like a creator signup awaiting approval.
func (s Snapshot) IsPendingCreator() bool {
	return s.Role == RoleCreator && (s.Status == StatusPending || s.Status == StatusUndefined)
}

// Candidate is a partially known identity supplied by one of the login paths.
// Zero values mean "not supplied".
type Candidate struct {
	SubjectID   string
	Email       string
	DisplayName string
	Role        Role
	Status      Status
	AvatarURL   string
	CoverURL    string
	Provenance  Provenance
}

// Profile is the authoritative record fetched from the backend of record.
type Profile struct {
	SubjectID   string
	Email       string
	DisplayName string
	Role        Role
	Status      Status
	AvatarURL   string
	CoverURL    string
}

// Merge builds the canonical snapshot from a candidate and an optional profile.
// Every field is taken from the profile when present there, then from the
// candidate, then from the documented default.
func Merge(candidate Candidate, profile *Profile) Snapshot {
	if profile == nil {
		profile = &Profile{}
	}
	role := firstRole(profile.Role, candidate.Role)
	if role == "" {
		role = RoleCustomer
	}
	status := firstStatus(profile.Status, candidate.Status)
	if status == "" {
		status = StatusUndefined
	}
	return Snapshot{
		SubjectID:   firstNonEmpty(profile.SubjectID, candidate.SubjectID),
		Email:       firstNonEmpty(profile.Email, candidate.Email),
		DisplayName: firstNonEmpty(profile.DisplayName, candidate.DisplayName),
		Role:        role,
		Status:      status,
		AvatarURL:   firstNonEmpty(profile.AvatarURL, candidate.AvatarURL),
		CoverURL:    firstNonEmpty(profile.CoverURL, candidate.CoverURL),
		Provenance:  candidate.Provenance,
	}
}

// Candidate returns the snapshot as a candidate for a fresh reconciliation pass.
func (s Snapshot) Candidate(provenance Provenance) Candidate {
	return Candidate{
		SubjectID:   s.SubjectID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		Role:        s.Role,
		Status:      s.Status,
		AvatarURL:   s.AvatarURL,
		CoverURL:    s.CoverURL,
		Provenance:  provenance,
	}
}

// PendingFlags are one-shot markers consumed by the next routing decision.
type PendingFlags struct {
	GoHomeSignOut         bool `json:"go_home_sign_out"`
	CredentialSetComplete bool `json:"credential_set_complete"`
}

// Any reports whether at least one flag is raised.
func (f PendingFlags) Any() bool {
	return f.GoHomeSignOut || f.CredentialSetComplete
}

// EventKind distinguishes identity notifications.
type EventKind string

const (
	EventIdentityChanged EventKind = "identity-changed"
	EventSignedOut       EventKind = "signed-out"
)

// Event is delivered to observers (navigation, route guards) after every commit.
type Event struct {
	BrowserID   string    `json:"-"`
	Kind        EventKind `json:"kind"`
	Snapshot    Snapshot  `json:"identity"`
	Provisional bool      `json:"provisional"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstRole(values ...Role) Role {
	for _, value := range values {
		if parsed := ParseRole(string(value)); parsed != "" {
			return parsed
		}
	}
	return ""
}

func firstStatus(values ...Status) Status {
	for _, value := range values {
		if parsed := ParseStatus(string(value)); parsed != "" {
			return parsed
		}
	}
	return ""
}
