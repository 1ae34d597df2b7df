package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/credentials"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/reconcile"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/redirect"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/routing"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultBrowserCookieName = "storefront_browser"
	pageLoadHeader           = "X-Page-Load"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingEngine      = errors.New("reconciliation engine dependency required")
	errMissingProcessor   = errors.New("redirect processor dependency required")
	errMissingFlagStore   = errors.New("flag store dependency required")
	errMissingRealtime    = errors.New("realtime dispatcher dependency required")
	errMissingCredentials = errors.New("credential client dependency required")
	errMissingOrigins     = errors.New("allowed origins required unless any origin is allowed")
)

// IdentityEngine is the reconciliation surface used by the handlers.
type IdentityEngine interface {
	Authenticate(ctx context.Context, browserID string, candidate identity.Candidate) (identity.Snapshot, error)
	Current(ctx context.Context, browserID string) (identity.Snapshot, bool, error)
	Restore(ctx context.Context, browserID string) (identity.Snapshot, bool, error)
	SignOut(ctx context.Context, browserID string, reason string) error
}

type RedirectProcessor interface {
	Process(ctx context.Context, request redirect.Request) (redirect.Result, error)
}

type CredentialClient interface {
	Login(ctx context.Context, email, password string) (credentials.Result, error)
	Signup(ctx context.Context, request credentials.SignupRequest) (credentials.Result, error)
}

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// FlagStore raises and consumes pending flags.
type FlagStore interface {
	SetFlag(ctx context.Context, browserID string, flag session.Flag) error
	TakeFlags(ctx context.Context, browserID string) (identity.PendingFlags, error)
}

// Dependencies wires the HTTP surface. GoogleVerifier is optional; without it
// POST /auth/google is not registered. AllowAnyOrigin reflects every caller
// origin and is meant for local development only.
type Dependencies struct {
	Engine            IdentityEngine
	Processor         RedirectProcessor
	Credentials       CredentialClient
	GoogleVerifier    GoogleVerifier
	Flags             FlagStore
	Policy            routing.Policy
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	CookieName        string
	CookieSecure      bool
	AllowedOrigins    []string
	AllowAnyOrigin    bool
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Processor == nil {
		return nil, errMissingProcessor
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.Flags == nil {
		return nil, errMissingFlagStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	origins := trimOrigins(deps.AllowedOrigins)
	if len(origins) == 0 && !deps.AllowAnyOrigin {
		return nil, errMissingOrigins
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := strings.TrimSpace(deps.CookieName)
	if cookieName == "" {
		cookieName = DefaultBrowserCookieName
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		engine:      deps.Engine,
		processor:   deps.Processor,
		credentials: deps.Credentials,
		verifier:    deps.GoogleVerifier,
		flags:       deps.Flags,
		policy:      deps.Policy,
		realtime:    deps.Realtime,
		logger:      logger,
		heartbeat:   heartbeat,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins, deps.AllowAnyOrigin))
	router.Use(browserIDMiddleware(cookieName, deps.CookieSecure))

	router.GET("/auth/callback", handler.handleRedirectCallback)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/signup", handler.handleSignup)
	if deps.GoogleVerifier != nil {
		router.POST("/auth/google", handler.handleGoogleAuth)
	}
	router.POST("/auth/signout", handler.handleSignOut)
	router.GET("/session", handler.handleSession)
	router.POST("/session/flags", handler.handleSetFlag)
	router.GET("/session/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(origins []string, allowAny bool) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", pageLoadHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowAny && len(origins) == 0 {
		// Credentialed requests cannot use "*"; reflect the caller instead.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func trimOrigins(origins []string) []string {
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	return allowed
}

type httpHandler struct {
	engine      IdentityEngine
	processor   RedirectProcessor
	credentials CredentialClient
	verifier    GoogleVerifier
	flags       FlagStore
	policy      routing.Policy
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
	heartbeat   time.Duration
}

type sessionResponsePayload struct {
	Authenticated bool               `json:"authenticated"`
	Identity      *identity.Snapshot `json:"identity,omitempty"`
	Target        string             `json:"target"`
	ClearIdentity bool               `json:"clear_identity,omitempty"`
	Rule          routing.Rule       `json:"rule,omitempty"`
	Message       string             `json:"message,omitempty"`
	Corrected     bool               `json:"corrected,omitempty"`
}

func newSessionResponse(snapshot identity.Snapshot, authenticated bool, decision routing.Decision) sessionResponsePayload {
	response := sessionResponsePayload{
		Authenticated: authenticated,
		Target:        decision.Target,
		ClearIdentity: decision.ClearIdentity,
		Rule:          decision.Rule,
	}
	if authenticated {
		current := snapshot
		response.Identity = &current
	}
	return response
}

func (h *httpHandler) handleRedirectCallback(c *gin.Context) {
	loadID := strings.TrimSpace(c.GetHeader(pageLoadHeader))
	if loadID == "" {
		loadID = strings.TrimSpace(c.Query("load"))
	}
	if loadID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_load_id"})
		return
	}

	pageURL := strings.TrimSpace(c.Query("url"))
	if pageURL == "" {
		pageURL = c.Request.URL.String()
	}
	currentPath := strings.TrimSpace(c.Query("path"))
	if currentPath == "" {
		if parsed, err := url.Parse(pageURL); err == nil && c.Query("url") != "" {
			currentPath = parsed.Path
		}
	}

	result, err := h.processor.Process(c.Request.Context(), redirect.Request{
		BrowserID:   browserID(c),
		LoadID:      loadID,
		URL:         pageURL,
		CurrentPath: currentPath,
		DefaultPath: c.Query("next"),
	})
	if err != nil {
		h.logger.Error("failed to process sign-in redirect", zap.String("load_id", loadID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "redirect_failed"})
		return
	}

	response := newSessionResponse(result.Snapshot, result.Authenticated, result.Decision)
	response.Message = result.Message
	response.Corrected = result.Corrected
	c.JSON(http.StatusOK, response)
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Path     string `json:"path"`
}

type signupRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Path        string `json:"path"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.credentials.Login(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondCredentialError(c, err)
		return
	}
	h.authenticateAndRoute(c, result.Candidate, request.Path)
}

func (h *httpHandler) handleSignup(c *gin.Context) {
	var request signupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.credentials.Signup(c.Request.Context(), credentials.SignupRequest{
		Email:       request.Email,
		Password:    request.Password,
		DisplayName: request.DisplayName,
		Role:        request.Role,
	})
	if err != nil {
		h.respondCredentialError(c, err)
		return
	}
	h.authenticateAndRoute(c, result.Candidate, request.Path)
}

func (h *httpHandler) respondCredentialError(c *gin.Context, err error) {
	var failure *credentials.Error
	if !errors.As(err, &failure) {
		h.logger.Error("credential exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": credentials.CodeFailed, "message": credentials.MessageGeneric})
		return
	}
	status := failure.Status
	if status < http.StatusBadRequest || status >= http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": failure.Code, "message": failure.Message})
}

type googleAuthRequestPayload struct {
	IDToken string `json:"id_token"`
	Path    string `json:"path"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request googleAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.authenticateAndRoute(c, claims.Candidate(), request.Path)
}

// authenticateAndRoute commits a fresh sign-in and answers with the routing decision.
func (h *httpHandler) authenticateAndRoute(c *gin.Context, candidate identity.Candidate, currentPath string) {
	ctx := c.Request.Context()
	id := browserID(c)

	snapshot, err := h.engine.Authenticate(ctx, id, candidate)
	authenticated := err == nil
	if errors.Is(err, reconcile.ErrSuperseded) {
		// A sign-out or another login won the race; report the stored state.
		snapshot, authenticated, err = h.engine.Current(ctx, id)
	}
	if err != nil {
		h.logger.Error("failed to authenticate browser", zap.String("browser_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication_failed"})
		return
	}
	h.routeAndRespond(c, snapshot, authenticated, currentPath, "")
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	if err := h.engine.SignOut(c.Request.Context(), browserID(c), reconcile.SignOutReasonUser); err != nil {
		h.logger.Error("failed to sign out", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_out_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{Target: h.policy.Entry()})
}

// handleSession is the initialization pass: restore the stored identity and
// correct the route for the page that is loading.
func (h *httpHandler) handleSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := browserID(c)

	snapshot, authenticated, err := h.engine.Restore(ctx, id)
	if err != nil && !errors.Is(err, reconcile.ErrIdentityGone) {
		h.logger.Error("failed to restore session", zap.String("browser_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore_failed"})
		return
	}
	h.routeAndRespond(c, snapshot, authenticated, c.Query("path"), c.Query("next"))
}

func (h *httpHandler) routeAndRespond(c *gin.Context, snapshot identity.Snapshot, authenticated bool, currentPath, defaultPath string) {
	ctx := c.Request.Context()
	id := browserID(c)

	flags, err := h.flags.TakeFlags(ctx, id)
	if err != nil {
		h.logger.Error("failed to read pending flags", zap.String("browser_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flags_unavailable"})
		return
	}
	decision := h.policy.Route(routing.Input{
		Snapshot:      snapshot,
		Authenticated: authenticated,
		CurrentPath:   currentPath,
		Flags:         flags,
		Default:       defaultPath,
	})
	if decision.ClearIdentity {
		if err := h.engine.SignOut(ctx, id, reconcile.SignOutReasonGoHome); err != nil {
			h.logger.Error("failed to sign out", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_out_failed"})
			return
		}
		authenticated = false
	}
	c.JSON(http.StatusOK, newSessionResponse(snapshot, authenticated, decision))
}

type flagRequestPayload struct {
	Flag string `json:"flag"`
}

func (h *httpHandler) handleSetFlag(c *gin.Context) {
	var request flagRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	flag, err := session.ParseFlag(request.Flag)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_flag"})
		return
	}
	if err := h.flags.SetFlag(c.Request.Context(), browserID(c), flag); err != nil {
		h.logger.Error("failed to set pending flag", zap.String("flag", string(flag)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flag_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
