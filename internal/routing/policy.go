package routing

import (
	"strings"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

const (
	DefaultEntryPath            = "/"
	DefaultAwaitingApprovalPath = "/creator-thank-you"
)

// Rule names the policy rule that produced a decision.
type Rule string

const (
	RuleGoHomeSignOut         Rule = "go_home_sign_out"
	RuleCredentialSetComplete Rule = "credential_set_complete"
	RuleAwaitingApproval      Rule = "awaiting_approval"
	RuleDefault               Rule = "default"
)

// Input is everything the policy needs to pick a destination.
type Input struct {
	Snapshot      identity.Snapshot
	Authenticated bool
	CurrentPath   string
	Flags         identity.PendingFlags
	Default       string
}

// Decision is the routing outcome. ClearIdentity asks the caller to sign out before navigating.
type Decision struct {
	Target        string `json:"target"`
	ClearIdentity bool   `json:"clear_identity"`
	Rule          Rule   `json:"rule"`
}

// Policy maps a snapshot and location to a target path.
type Policy struct {
	EntryPath            string
	AwaitingApprovalPath string
}

// NewPolicy returns a policy with blank paths replaced by defaults.
func NewPolicy(entryPath, awaitingApprovalPath string) Policy {
	policy := Policy{
		EntryPath:            normalizePath(entryPath),
		AwaitingApprovalPath: normalizePath(awaitingApprovalPath),
	}
	if policy.EntryPath == "" {
		policy.EntryPath = DefaultEntryPath
	}
	if policy.AwaitingApprovalPath == "" {
		policy.AwaitingApprovalPath = DefaultAwaitingApprovalPath
	}
	return policy
}

// Route applies the rules in priority order. It has no side effects.
// The target is never empty: with no current page it is the entry page.
func (p Policy) Route(in Input) Decision {
	current := normalizePath(in.CurrentPath)
	if current == "" {
		current = p.entry()
	}

	if in.Flags.GoHomeSignOut {
		return Decision{Target: p.entry(), ClearIdentity: true, Rule: RuleGoHomeSignOut}
	}
	if in.Flags.CredentialSetComplete {
		return Decision{Target: current, Rule: RuleCredentialSetComplete}
	}
	if in.Authenticated && in.Snapshot.IsPrivilegedActive() && in.Snapshot.IsPendingCreator() {
		awaiting := p.awaiting()
		if current != awaiting {
			return Decision{Target: awaiting, Rule: RuleAwaitingApproval}
		}
	}

	target := normalizePath(in.Default)
	if target == "" {
		target = current
	}
	return Decision{Target: target, Rule: RuleDefault}
}

// Entry returns the configured entry page.
func (p Policy) Entry() string {
	return p.entry()
}

func (p Policy) entry() string {
	if p.EntryPath == "" {
		return DefaultEntryPath
	}
	return p.EntryPath
}

func (p Policy) awaiting() string {
	if p.AwaitingApprovalPath == "" {
		return DefaultAwaitingApprovalPath
	}
	return p.AwaitingApprovalPath
}

func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	if len(trimmed) > 1 {
		trimmed = strings.TrimRight(trimmed, "/")
		if trimmed == "" {
			trimmed = "/"
		}
	}
	return trimmed
}
