package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/profiles"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded reports that a newer pass, a fresh login or a sign-out
	// committed while this pass was resolving; its result was discarded.
	ErrSuperseded = errors.New("reconcile: superseded by a newer identity")
	// ErrIdentityGone reports that the backend of record no longer knows the subject.
	ErrIdentityGone = errors.New("reconcile: identity no longer exists")

	errMissingStore    = errors.New("reconcile: session store required")
	errMissingResolver = errors.New("reconcile: profile resolver required")
)

const (
	SignOutReasonUser           = "user"
	SignOutReasonInvalidSession = "invalid_session"
	SignOutReasonIdentityGone   = "identity_gone"
	SignOutReasonRedirectError  = "redirect_error"
	SignOutReasonDecodeFailure  = "redirect_decode_failure"
	SignOutReasonGoHome         = "go_home"
)

// Notifier receives every committed identity event.
type Notifier interface {
	Publish(event identity.Event)
}

// TokenIssuer signs session tokens for committed snapshots.
type TokenIssuer interface {
	Issue(snapshot identity.Snapshot) (string, time.Time, error)
}

// TokenValidator checks that a stored session token is valid for the stored snapshot.
type TokenValidator interface {
	ValidateSession(token string, snapshot identity.Snapshot) (auth.SessionClaims, error)
}

// Config describes the engine dependencies. Notifier, Tokens and Validator are optional.
type Config struct {
	Store     session.Store
	Resolver  profiles.Resolver
	Notifier  Notifier
	Tokens    TokenIssuer
	Validator TokenValidator
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Engine merges candidates with authoritative profiles and is the only
// writer of identity entries besides sign-out.
type Engine struct {
	store     session.Store
	resolver  profiles.Resolver
	notifier  Notifier
	tokens    TokenIssuer
	validator TokenValidator
	logger    *zap.Logger
	clock     func() time.Time

	sequence atomic.Uint64
	commitMu sync.Mutex
}

// NewEngine validates the configuration and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	engine := &Engine{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		notifier:  cfg.Notifier,
		tokens:    cfg.Tokens,
		validator: cfg.Validator,
		logger:    logger,
		clock:     clock,
	}
	engine.sequence.Store(uint64(time.Now().UnixNano()))
	return engine, nil
}

// pass is one reconciliation attempt bound to the generation it started in.
type pass struct {
	browserID  string
	generation string
	fresh      bool
	sequence   uint64
}

// Current returns the stored snapshot for the browser.
func (e *Engine) Current(ctx context.Context, browserID string) (identity.Snapshot, bool, error) {
	entry, ok, err := e.store.Load(ctx, browserID)
	if err != nil || !ok {
		return identity.Snapshot{}, false, err
	}
	return entry.Snapshot, true, nil
}

// Begin starts a fresh authentication: it clears everything stored for the
// browser, writes the candidate as a provisional snapshot and notifies
// observers with it.
func (e *Engine) Begin(ctx context.Context, browserID string, candidate identity.Candidate) (identity.Snapshot, error) {
	provisional := identity.Merge(candidate, nil)

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.store.Clear(ctx, browserID); err != nil {
		return identity.Snapshot{}, fmt.Errorf("reconcile: clear previous identity: %w", err)
	}
	entry := session.Entry{
		Snapshot:    provisional,
		Provisional: true,
		Generation:  uuid.NewString(),
		Sequence:    e.nextSequence(),
		UpdatedAt:   e.clock().UTC(),
	}
	if err := e.store.Put(ctx, browserID, entry); err != nil {
		return identity.Snapshot{}, fmt.Errorf("reconcile: write provisional identity: %w", err)
	}
	e.publish(identity.Event{
		BrowserID:   browserID,
		Kind:        identity.EventIdentityChanged,
		Snapshot:    provisional,
		Provisional: true,
	})
	return provisional, nil
}

// Reconcile resolves the authoritative profile for the candidate, merges it
// and commits the result as a whole-entry replacement. Observers get exactly
// one final event per successful call. Profile failures fall back to the
// candidate and are only logged.
func (e *Engine) Reconcile(ctx context.Context, browserID string, candidate identity.Candidate) (identity.Snapshot, error) {
	current, err := e.start(ctx, browserID)
	if err != nil {
		return identity.Snapshot{}, err
	}
	resolution := e.resolver.Resolve(ctx, profiles.LookupFor(candidate))
	return e.finish(ctx, current, candidate, resolution)
}

// Authenticate runs Begin followed by Reconcile for a freshly signed-in candidate.
func (e *Engine) Authenticate(ctx context.Context, browserID string, candidate identity.Candidate) (identity.Snapshot, error) {
	if _, err := e.Begin(ctx, browserID, candidate); err != nil {
		return identity.Snapshot{}, err
	}
	return e.Reconcile(ctx, browserID, candidate)
}

// Restore re-validates a previously stored identity. It reports false when
// nothing usable is stored. Invalid or expired session tokens and subjects
// the backend of record no longer knows end in a sign-out.
func (e *Engine) Restore(ctx context.Context, browserID string) (identity.Snapshot, bool, error) {
	entry, ok, err := e.store.Load(ctx, browserID)
	if err != nil || !ok {
		return identity.Snapshot{}, false, err
	}

	if e.validator != nil && !entry.Provisional {
		if _, err := e.validator.ValidateSession(entry.SessionToken, entry.Snapshot); err != nil {
			e.logger.Info("stored session rejected",
				zap.String("browser_id", browserID),
				zap.Error(err))
			if signOutErr := e.SignOut(ctx, browserID, SignOutReasonInvalidSession); signOutErr != nil {
				return identity.Snapshot{}, false, signOutErr
			}
			return identity.Snapshot{}, false, nil
		}
	}

	candidate := entry.Snapshot.Candidate(identity.ProvenanceRestoredSession)
	current := e.startFrom(browserID, entry, true)
	resolution := e.resolver.Resolve(ctx, profiles.LookupFor(candidate))
	if resolution.Failure == profiles.FailureNotFound && !resolution.ByEmail {
		e.logger.Warn("stored identity no longer exists",
			zap.String("browser_id", browserID),
			zap.String("subject_id", candidate.SubjectID))
		if err := e.SignOut(ctx, browserID, SignOutReasonIdentityGone); err != nil {
			return identity.Snapshot{}, false, err
		}
		return identity.Snapshot{}, false, ErrIdentityGone
	}

	snapshot, err := e.finish(ctx, current, candidate, resolution)
	if errors.Is(err, ErrSuperseded) {
		return e.Current(ctx, browserID)
	}
	if err != nil {
		return identity.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

// SignOut clears the browser's identity, token and flags and notifies observers.
func (e *Engine) SignOut(ctx context.Context, browserID string, reason string) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.store.Clear(ctx, browserID); err != nil {
		return fmt.Errorf("reconcile: sign out: %w", err)
	}
	e.publish(identity.Event{
		BrowserID: browserID,
		Kind:      identity.EventSignedOut,
		Reason:    reason,
	})
	return nil
}

func (e *Engine) start(ctx context.Context, browserID string) (pass, error) {
	entry, ok, err := e.store.Load(ctx, browserID)
	if err != nil {
		return pass{}, fmt.Errorf("reconcile: load identity: %w", err)
	}
	return e.startFrom(browserID, entry, ok), nil
}

func (e *Engine) startFrom(browserID string, entry session.Entry, exists bool) pass {
	p := pass{browserID: browserID}
	if exists {
		p.generation = entry.Generation
		p.sequence = e.sequenceAfter(entry.Sequence)
	} else {
		p.sequence = e.nextSequence()
		p.generation = uuid.NewString()
		p.fresh = true
	}
	return p
}

func (e *Engine) finish(ctx context.Context, p pass, candidate identity.Candidate, resolution profiles.Resolution) (identity.Snapshot, error) {
	merged := identity.Merge(candidate, resolution.ProfilePtr())
	if !resolution.Found {
		e.logger.Debug("reconciled from candidate data",
			zap.String("browser_id", p.browserID),
			zap.String("failure", string(resolution.Failure)))
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	stored, exists, err := e.store.Load(ctx, p.browserID)
	if err != nil {
		return identity.Snapshot{}, fmt.Errorf("reconcile: reload identity: %w", err)
	}
	if reason := p.staleReason(stored, exists); reason != "" {
		e.logger.Info("reconciliation pass discarded",
			zap.String("browser_id", p.browserID),
			zap.String("reason", reason),
			zap.Uint64("sequence", p.sequence))
		return identity.Snapshot{}, ErrSuperseded
	}

	entry := session.Entry{
		Snapshot:   merged,
		Generation: p.generation,
		Sequence:   p.sequence,
		UpdatedAt:  e.clock().UTC(),
	}
	if e.tokens != nil {
		token, _, err := e.tokens.Issue(merged)
		if err != nil {
			return identity.Snapshot{}, fmt.Errorf("reconcile: issue session token: %w", err)
		}
		entry.SessionToken = token
	}
	if err := e.store.Put(ctx, p.browserID, entry); err != nil {
		return identity.Snapshot{}, fmt.Errorf("reconcile: write identity: %w", err)
	}
	e.publish(identity.Event{
		BrowserID: p.browserID,
		Kind:      identity.EventIdentityChanged,
		Snapshot:  merged,
	})
	return merged, nil
}

// staleReason explains why a pass must not commit over the stored entry.
func (p pass) staleReason(stored session.Entry, exists bool) string {
	switch {
	case !exists && !p.fresh:
		return "signed_out"
	case exists && stored.Generation != p.generation:
		return "new_authentication"
	case exists && stored.Sequence > p.sequence:
		return "newer_pass_committed"
	default:
		return ""
	}
}

func (e *Engine) nextSequence() uint64 {
	return e.sequence.Add(1)
}

// sequenceAfter allocates a sequence above both the local counter and the
// stored floor. Engines sharing a store order their passes against what the
// store last committed, not against each other's clocks.
func (e *Engine) sequenceAfter(floor uint64) uint64 {
	for {
		current := e.sequence.Load()
		next := max(current, floor) + 1
		if e.sequence.CompareAndSwap(current, next) {
			return next
		}
	}
}

func (e *Engine) publish(event identity.Event) {
	if e.notifier == nil {
		return
	}
	if event.At.IsZero() {
		event.At = e.clock().UTC()
	}
	e.notifier.Publish(event)
}
