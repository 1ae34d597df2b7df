package profiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"go.uber.org/zap"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPResolverConfig configures the REST profile resolver.
type HTTPResolverConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// HTTPResolver reads profiles from the backend of record over HTTP.
type HTTPResolver struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewHTTPResolver validates configuration and returns a resolver.
func NewHTTPResolver(cfg HTTPResolverConfig) (*HTTPResolver, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("profiles: base url required")
	}
	baseURL, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("profiles: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResolver{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}, nil
}

// Resolve fetches the profile, preferring the subject id.
func (r *HTTPResolver) Resolve(ctx context.Context, lookup Lookup) Resolution {
	return resolve(ctx, r, lookup, r.logger)
}

type profilePayload struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        *string `json:"role"`
	Status      *string `json:"status"`
	AvatarURL   string  `json:"avatar_url"`
	CoverURL    string  `json:"cover_url"`
}

func (p profilePayload) profile() identity.Profile {
	profile := identity.Profile{
		SubjectID:   strings.TrimSpace(p.ID),
		Email:       strings.TrimSpace(p.Email),
		DisplayName: strings.TrimSpace(p.DisplayName),
		AvatarURL:   strings.TrimSpace(p.AvatarURL),
		CoverURL:    strings.TrimSpace(p.CoverURL),
	}
	if p.Role != nil {
		profile.Role = identity.ParseRole(*p.Role)
	}
	if p.Status != nil {
		profile.Status = identity.ParseStatus(*p.Status)
	}
	return profile
}

func (r *HTTPResolver) fetchBySubject(ctx context.Context, subjectID string) (identity.Profile, error) {
	endpoint := r.baseURL.JoinPath("profiles", subjectID)
	payloads, err := r.get(ctx, endpoint.String())
	if err != nil {
		return identity.Profile{}, err
	}
	return payloads[0].profile(), nil
}

func (r *HTTPResolver) fetchByEmail(ctx context.Context, email string) (identity.Profile, error) {
	endpoint := r.baseURL.JoinPath("profiles")
	query := endpoint.Query()
	query.Set("email", email)
	endpoint.RawQuery = query.Encode()
	payloads, err := r.get(ctx, endpoint.String())
	if err != nil {
		return identity.Profile{}, err
	}
	return payloads[0].profile(), nil
}

// get accepts either a single object or an array of objects; an empty array is not-found.
func (r *HTTPResolver) get(ctx context.Context, endpoint string) ([]profilePayload, error) {
	requestCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+r.apiKey)
		request.Header.Set("apikey", r.apiKey)
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return nil, ErrProfileNotFound
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, response.StatusCode)
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	trimmed := strings.TrimSpace(string(body))
	var payloads []profilePayload
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var single profilePayload
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		payloads = []profilePayload{single}
	}
	if len(payloads) == 0 {
		return nil, ErrProfileNotFound
	}
	return payloads, nil
}
