package redirect

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/reconcile"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/routing"
	"go.uber.org/zap"
)

const (
	// DecodeFailureMessage is shown when a success redirect carried an unreadable identity.
	DecodeFailureMessage = "Your sign-in could not be completed. Please sign in again."
	// DefaultErrorMessage is shown when an error redirect carried no message.
	DefaultErrorMessage = "Sign-in failed. Please try again."
)

var (
	errMissingEngine  = errors.New("redirect: reconciliation engine required")
	errMissingFlags   = errors.New("redirect: flag store required")
	errMissingLatches = errors.New("redirect: latch registry required")
	errMissingLoadID  = errors.New("redirect: page load id required")
)

// Engine is the reconciliation surface the processor drives.
type Engine interface {
	Authenticate(ctx context.Context, browserID string, candidate identity.Candidate) (identity.Snapshot, error)
	Current(ctx context.Context, browserID string) (identity.Snapshot, bool, error)
	SignOut(ctx context.Context, browserID string, reason string) error
}

// FlagTaker hands out pending flags exactly once.
type FlagTaker interface {
	TakeFlags(ctx context.Context, browserID string) (identity.PendingFlags, error)
}

// ProcessorConfig wires the processor.
type ProcessorConfig struct {
	Engine  Engine
	Flags   FlagTaker
	Policy  routing.Policy
	Latches *Latches
	Logger  *zap.Logger
}

// Processor applies redirect results at most once per page load.
type Processor struct {
	engine  Engine
	flags   FlagTaker
	policy  routing.Policy
	latches *Latches
	logger  *zap.Logger
}

// Request is one evaluation of a navigation URL.
type Request struct {
	BrowserID   string
	LoadID      string
	URL         string
	CurrentPath string
	DefaultPath string
}

// Result is what the caller should show and where it should navigate.
type Result struct {
	Outcome       Outcome           `json:"outcome"`
	Snapshot      identity.Snapshot `json:"identity"`
	Authenticated bool              `json:"authenticated"`
	Decision      routing.Decision  `json:"decision"`
	Message       string            `json:"message,omitempty"`
	DecodeFailed  bool              `json:"decode_failed,omitempty"`
	Corrected     bool              `json:"corrected,omitempty"`
}

// NewProcessor validates the configuration.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	if cfg.Flags == nil {
		return nil, errMissingFlags
	}
	if cfg.Latches == nil {
		return nil, errMissingLatches
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engine:  cfg.Engine,
		flags:   cfg.Flags,
		policy:  cfg.Policy,
		latches: cfg.Latches,
		logger:  logger,
	}, nil
}

// Process parses the request URL and applies its result. Only the first
// call per browser and load has side effects; later calls with the same
// load only recompute the route.
func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.LoadID) == "" {
		return Result{}, errMissingLoadID
	}
	outcome := Parse(req.URL)
	if outcome.Kind == KindNone {
		return p.passThrough(ctx, req, outcome)
	}

	lt, first := p.latches.acquire(latchKey(req.BrowserID, req.LoadID))
	if !first {
		return p.correct(ctx, req, outcome, lt)
	}

	logger := p.logger.With(
		zap.String("browser_id", req.BrowserID),
		zap.String("load_id", req.LoadID),
		zap.String("outcome", string(outcome.Kind)))

	if outcome.Kind == KindError {
		return p.applyError(ctx, req, outcome, lt, logger)
	}
	result, err := p.applySuccess(ctx, req, outcome, lt, logger)
	if err != nil {
		if state, _ := lt.snapshot(); state == settlementPending {
			logger.Warn("sign-in redirect failed before it was applied", zap.Error(err))
			p.latches.release(latchKey(req.BrowserID, req.LoadID), lt)
		}
	}
	return result, err
}

func (p *Processor) applyError(ctx context.Context, req Request, outcome Outcome, lt *latch, logger *zap.Logger) (Result, error) {
	message := outcome.ErrorMessage
	if message == "" {
		message = DefaultErrorMessage
	}
	lt.settle(settlementRejected, message)
	logger.Info("sign-in redirect reported an error", zap.String("message", message))

	if err := p.engine.SignOut(ctx, req.BrowserID, reconcile.SignOutReasonRedirectError); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome:  outcome,
		Decision: routing.Decision{Target: p.policy.Entry(), Rule: routing.RuleDefault},
		Message:  message,
	}, nil
}

func (p *Processor) applySuccess(ctx context.Context, req Request, outcome Outcome, lt *latch, logger *zap.Logger) (Result, error) {
	candidate, err := DecodePayload(outcome.RawIdentityPayload)
	if err != nil {
		lt.settle(settlementRejected, DecodeFailureMessage)
		logger.Warn("sign-in redirect payload rejected", zap.Error(err))
		if signOutErr := p.engine.SignOut(ctx, req.BrowserID, reconcile.SignOutReasonDecodeFailure); signOutErr != nil {
			return Result{}, signOutErr
		}
		return Result{
			Outcome:      outcome,
			Decision:     routing.Decision{Target: p.policy.Entry(), Rule: routing.RuleDefault},
			Message:      DecodeFailureMessage,
			DecodeFailed: true,
		}, nil
	}

	snapshot, err := p.engine.Authenticate(ctx, req.BrowserID, candidate)
	authenticated := err == nil
	switch {
	case errors.Is(err, reconcile.ErrSuperseded):
		logger.Info("sign-in redirect superseded before commit")
		snapshot, authenticated, err = p.engine.Current(ctx, req.BrowserID)
		if err != nil {
			return Result{}, err
		}
	case err != nil:
		return Result{}, err
	}
	lt.settle(settlementApplied, "")

	flags, err := p.flags.TakeFlags(ctx, req.BrowserID)
	if err != nil {
		return Result{}, err
	}
	decision := p.policy.Route(routing.Input{
		Snapshot:      snapshot,
		Authenticated: authenticated,
		CurrentPath:   req.CurrentPath,
		Flags:         flags,
		Default:       req.DefaultPath,
	})
	if decision.ClearIdentity {
		if err := p.engine.SignOut(ctx, req.BrowserID, reconcile.SignOutReasonGoHome); err != nil {
			return Result{}, err
		}
		snapshot, authenticated = identity.Snapshot{}, false
	}
	logger.Debug("sign-in redirect applied",
		zap.String("role", string(snapshot.Role)),
		zap.String("status", string(snapshot.Status)),
		zap.String("target", decision.Target),
		zap.String("rule", string(decision.Rule)))

	return Result{
		Outcome:       outcome,
		Snapshot:      snapshot,
		Authenticated: authenticated,
		Decision:      decision,
	}, nil
}

// correct recomputes the destination for a load that was already handled. It never writes.
func (p *Processor) correct(ctx context.Context, req Request, outcome Outcome, lt *latch) (Result, error) {
	state, message := lt.snapshot()
	if state == settlementRejected {
		return Result{
			Outcome:      outcome,
			Decision:     routing.Decision{Target: p.policy.Entry(), Rule: routing.RuleDefault},
			Message:      message,
			DecodeFailed: message == DecodeFailureMessage && outcome.Kind == KindSuccess,
			Corrected:    true,
		}, nil
	}
	result, err := p.passThrough(ctx, req, outcome)
	result.Corrected = true
	return result, err
}

func (p *Processor) passThrough(ctx context.Context, req Request, outcome Outcome) (Result, error) {
	snapshot, ok, err := p.engine.Current(ctx, req.BrowserID)
	if err != nil {
		return Result{}, err
	}
	decision := p.policy.Route(routing.Input{
		Snapshot:      snapshot,
		Authenticated: ok,
		CurrentPath:   req.CurrentPath,
		Default:       req.DefaultPath,
	})
	return Result{
		Outcome:       outcome,
		Snapshot:      snapshot,
		Authenticated: ok,
		Decision:      decision,
	}, nil
}

func latchKey(browserID, loadID string) string {
	return strings.TrimSpace(browserID) + "|" + strings.TrimSpace(loadID)
}
