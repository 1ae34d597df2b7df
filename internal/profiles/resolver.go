package profiles

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"go.uber.org/zap"
)

// Failure classifies why no authoritative profile was produced.
type Failure string

const (
	FailureNone         Failure = ""
	FailureNetwork      Failure = "network"
	FailureNotFound     Failure = "not_found"
	FailureUnauthorized Failure = "unauthorized"
	FailureDecode       Failure = "decode"
	FailureNoLookupKey  Failure = "no_lookup_key"
)

var (
	ErrProfileNotFound = errors.New("profiles: profile not found")
	ErrUnauthorized    = errors.New("profiles: authorization failed")
	ErrUnavailable     = errors.New("profiles: backend unavailable")
	ErrMalformed       = errors.New("profiles: malformed profile response")
)

// Lookup names the identity to fetch. SubjectID is preferred over Email.
type Lookup struct {
	SubjectID string
	Email     string
}

// LookupFor builds a lookup from a candidate.
func LookupFor(candidate identity.Candidate) Lookup {
	return Lookup{
		SubjectID: strings.TrimSpace(candidate.SubjectID),
		Email:     strings.ToLower(strings.TrimSpace(candidate.Email)),
	}
}

// Resolution is the outcome of a resolve call. Profile is meaningful only when Found.
type Resolution struct {
	Profile identity.Profile
	Found   bool
	Failure Failure
	ByEmail bool
}

// ProfilePtr returns the profile when found and nil otherwise.
func (r Resolution) ProfilePtr() *identity.Profile {
	if !r.Found {
		return nil
	}
	profile := r.Profile
	return &profile
}

// Resolver fetches authoritative profiles. Implementations never return errors.
type Resolver interface {
	Resolve(ctx context.Context, lookup Lookup) Resolution
}

// fetcher is the error-returning backend a resolver wraps.
type fetcher interface {
	fetchBySubject(ctx context.Context, subjectID string) (identity.Profile, error)
	fetchByEmail(ctx context.Context, email string) (identity.Profile, error)
}

// resolve applies subject-first precedence and maps backend errors to logged failures.
func resolve(ctx context.Context, backend fetcher, lookup Lookup, logger *zap.Logger) Resolution {
	if lookup.SubjectID != "" {
		profile, err := backend.fetchBySubject(ctx, lookup.SubjectID)
		if err == nil {
			return Resolution{Profile: profile, Found: true}
		}
		failure := classify(err)
		logFailure(logger, failure, err, zap.String("lookup", "subject_id"), zap.String("subject_id", lookup.SubjectID))
		return Resolution{Failure: failure}
	}

	if lookup.Email != "" {
		profile, err := backend.fetchByEmail(ctx, lookup.Email)
		if err == nil {
			logger.Debug("profile resolved by email; lower confidence match", zap.String("email", lookup.Email))
			return Resolution{Profile: profile, Found: true, ByEmail: true}
		}
		failure := classify(err)
		logFailure(logger, failure, err, zap.String("lookup", "email"), zap.String("email", lookup.Email))
		return Resolution{Failure: failure, ByEmail: true}
	}

	logger.Warn("profile lookup skipped: no subject id or email")
	return Resolution{Failure: FailureNoLookupKey}
}

func classify(err error) Failure {
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return FailureNotFound
	case errors.Is(err, ErrUnauthorized):
		return FailureUnauthorized
	case errors.Is(err, ErrMalformed):
		return FailureDecode
	default:
		return FailureNetwork
	}
}

func logFailure(logger *zap.Logger, failure Failure, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("failure", string(failure)), zap.Error(err))
	switch failure {
	case FailureNotFound:
		logger.Info("profile not found", fields...)
	case FailureUnauthorized:
		logger.Error("profile fetch unauthorized", fields...)
	case FailureDecode:
		logger.Warn("profile response malformed", fields...)
	default:
		logger.Warn("profile backend unreachable", fields...)
	}
}
