package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"go.uber.org/zap"
)

const (
	defaultTimeout       = 10 * time.Second
	maxResponseBodyBytes = 1 << 20
)

const (
	MessageInvalidCredentials = "Incorrect email or password."
	MessageDuplicateEmail     = "This email is already registered. Use password reset or sign in with Google instead."
	MessageRateLimited        = "Too many attempts. Please wait a moment and try again."
	MessageGeneric            = "We could not sign you in right now. Please try again."
	MessageMissingFields      = "Enter your email and password."
)

const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeDuplicateEmail     = "duplicate_email"
	CodeRateLimited        = "rate_limited"
	CodeMissingFields      = "missing_fields"
	CodeUnavailable        = "unavailable"
	CodeMalformedResponse  = "malformed_response"
	CodeFailed             = "login_failed"
)

var duplicateEmailCodes = map[string]struct{}{
	"duplicate_email":     {},
	"email_exists":        {},
	"user_already_exists": {},
	"email_taken":         {},
	"23505":               {},
}

// Error is a credential-login failure carrying one user-facing message.
// The backend payload is never exposed through it.
type Error struct {
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("credentials: %s (status %d): %v", e.Code, e.Status, e.cause)
	}
	return fmt.Sprintf("credentials: %s (status %d)", e.Code, e.Status)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// SignupRequest is a new password account.
type SignupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Result is a successful credential exchange. Any backend token is ignored;
// the session token is issued once the candidate is reconciled.
type Result struct {
	Candidate identity.Candidate
}

// ClientConfig configures the password endpoint client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client exchanges email and password for a candidate identity.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient validates configuration and returns a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("credentials: base url required")
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("credentials: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, timeout: timeout, logger: logger}, nil
}

// Login signs in an existing password account.
func (c *Client) Login(ctx context.Context, email, password string) (Result, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Result{}, &Error{Status: http.StatusBadRequest, Code: CodeMissingFields, Message: MessageMissingFields}
	}
	return c.exchange(ctx, "login", map[string]string{"email": email, "password": password})
}

// Signup creates a password account and signs it in.
func (c *Client) Signup(ctx context.Context, request SignupRequest) (Result, error) {
	request.Email = normalizeEmail(request.Email)
	request.DisplayName = strings.TrimSpace(request.DisplayName)
	request.Role = string(identity.ParseRole(request.Role))
	if request.Email == "" || request.Password == "" {
		return Result{}, &Error{Status: http.StatusBadRequest, Code: CodeMissingFields, Message: MessageMissingFields}
	}
	return c.exchange(ctx, "signup", request)
}

type userPayload struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Name        string  `json:"name"`
	Role        *string `json:"role"`
	Status      *string `json:"status"`
	AvatarURL   string  `json:"avatar_url"`
	CoverURL    string  `json:"cover_url"`
}

type exchangeResponse struct {
	User *userPayload `json:"user"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) exchange(ctx context.Context, action string, body any) (Result, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return Result{}, &Error{Code: CodeFailed, Message: MessageGeneric, cause: err}
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("auth", action)
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint.String(), bytes.NewReader(encoded))
	if err != nil {
		return Result{}, &Error{Code: CodeFailed, Message: MessageGeneric, cause: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("credential backend unreachable", zap.String("action", action), zap.Error(err))
		return Result{}, &Error{Code: CodeUnavailable, Message: MessageGeneric, cause: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes))
	if err != nil {
		return Result{}, &Error{Status: response.StatusCode, Code: CodeUnavailable, Message: MessageGeneric, cause: err}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		failure := classify(response.StatusCode, payload)
		c.logger.Info("credential exchange rejected",
			zap.String("action", action),
			zap.Int("status", response.StatusCode),
			zap.String("code", failure.Code))
		return Result{}, failure
	}

	var decoded exchangeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil || decoded.User == nil {
		if err == nil {
			err = errors.New("response carried no user")
		}
		c.logger.Warn("credential response malformed", zap.String("action", action), zap.Error(err))
		return Result{}, &Error{Status: response.StatusCode, Code: CodeMalformedResponse, Message: MessageGeneric, cause: err}
	}
	candidate := decoded.User.candidate()
	if candidate.Email == "" {
		return Result{}, &Error{Status: response.StatusCode, Code: CodeMalformedResponse, Message: MessageGeneric, cause: errors.New("response user has no email")}
	}
	return Result{Candidate: candidate}, nil
}

func (u userPayload) candidate() identity.Candidate {
	candidate := identity.Candidate{
		SubjectID:   strings.TrimSpace(u.ID),
		Email:       normalizeEmail(u.Email),
		DisplayName: strings.TrimSpace(u.DisplayName),
		AvatarURL:   strings.TrimSpace(u.AvatarURL),
		CoverURL:    strings.TrimSpace(u.CoverURL),
		Provenance:  identity.ProvenancePasswordLogin,
	}
	if candidate.DisplayName == "" {
		candidate.DisplayName = strings.TrimSpace(u.Name)
	}
	if u.Role != nil {
		candidate.Role = identity.ParseRole(*u.Role)
	}
	if u.Status != nil {
		candidate.Status = identity.ParseStatus(*u.Status)
	}
	return candidate
}

// classify maps a failed response onto one actionable message.
func classify(status int, payload []byte) *Error {
	var body errorResponse
	_ = json.Unmarshal(payload, &body)
	code := strings.ToLower(strings.TrimSpace(body.Code))
	if code == "" {
		code = strings.ToLower(strings.TrimSpace(body.Error))
	}

	if _, duplicate := duplicateEmailCodes[code]; duplicate || status == http.StatusConflict {
		return &Error{Status: status, Code: CodeDuplicateEmail, Message: MessageDuplicateEmail}
	}
	switch status {
	case http.StatusUnauthorized:
		return &Error{Status: status, Code: CodeInvalidCredentials, Message: MessageInvalidCredentials}
	case http.StatusTooManyRequests:
		return &Error{Status: status, Code: CodeRateLimited, Message: MessageRateLimited}
	default:
		return &Error{Status: status, Code: CodeFailed, Message: MessageGeneric}
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
