package integration_test

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/credentials"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/database"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/profiles"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/reconcile"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/redirect"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/routing"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/server"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionIssuer        = "storefront-integration"
	creatorSubjectID     = "creator-1"
	awaitingApprovalPath = "/creator-thank-you"
)

// backendOfRecord serves one mutable profile over the profile REST contract.
type backendOfRecord struct {
	mu      sync.Mutex
	profile map[string]any
}

func (b *backendOfRecord) set(profile map[string]any) {
	b.mu.Lock()
	b.profile = profile
	b.mu.Unlock()
}

func (b *backendOfRecord) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	profile := b.profile
	b.mu.Unlock()
	if profile == nil || r.URL.Path != "/profiles/"+creatorSubjectID {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(profile)
}

type sessionPayload struct {
	Authenticated bool `json:"authenticated"`
	Identity      *struct {
		SubjectID string `json:"subject_id"`
		Role      string `json:"role"`
		Status    string `json:"status"`
	} `json:"identity"`
	Target    string `json:"target"`
	Message   string `json:"message"`
	Corrected bool   `json:"corrected"`
}

func TestRedirectReconcileAndRestoreFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	backend := &backendOfRecord{}
	backend.set(map[string]any{"id": creatorSubjectID, "email": "cara@example.com", "role": "creator", "status": nil})
	backendServer := httptest.NewServer(backend)
	defer backendServer.Close()

	db, err := database.OpenSQLite("file:redirect-flow?mode=memory&cache=shared", logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := session.NewGormStore(db)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	resolver, err := profiles.NewHTTPResolver(profiles.HTTPResolverConfig{
		BaseURL:    backendServer.URL,
		HTTPClient: backendServer.Client(),
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build resolver: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()
	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:    store,
		Resolver: resolver,
		Notifier: dispatcher,
		Tokens: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(sessionSigningSecret),
			Issuer:        sessionIssuer,
			TokenTTL:      time.Hour,
		}),
		Validator: validator,
		Logger:    logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	policy := routing.NewPolicy("/", awaitingApprovalPath)
	latches, err := redirect.NewLatches(64)
	if err != nil {
		testContext.Fatalf("failed to build latches: %v", err)
	}
	processor, err := redirect.NewProcessor(redirect.ProcessorConfig{
		Engine:  engine,
		Flags:   store,
		Policy:  policy,
		Latches: latches,
		Logger:  logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build processor: %v", err)
	}
	credentialClient, err := credentials.NewClient(credentials.ClientConfig{BaseURL: backendServer.URL})
	if err != nil {
		testContext.Fatalf("failed to build credential client: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		Processor:      processor,
		Credentials:    credentialClient,
		Flags:          store,
		Policy:         policy,
		Realtime:       dispatcher,
		Logger:         logger,
		AllowAnyOrigin: true,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		testContext.Fatalf("failed to create cookie jar: %v", err)
	}
	browser := &http.Client{Jar: jar}

	// Sign-in redirect for a creator whose status is not recorded yet.
	callbackQuery := url.Values{}
	callbackQuery.Set("login", "success")
	callbackQuery.Set("user", `{"id":"creator-1","email":"cara@example.com","role":"creator","status":null}`)
	callbackQuery.Set("load", "load-1")
	callbackQuery.Set("path", "/")
	callbackURL := testServer.URL + "/auth/callback?" + callbackQuery.Encode()

	first := getSession(testContext, browser, callbackURL)
	if !first.Authenticated || first.Identity == nil || first.Identity.Role != "creator" || first.Identity.Status != "undefined" {
		testContext.Fatalf("unexpected callback identity %+v", first)
	}
	if first.Target != awaitingApprovalPath {
		testContext.Fatalf("expected awaiting approval page, got %q", first.Target)
	}

	repeated := getSession(testContext, browser, callbackURL)
	if !repeated.Corrected || repeated.Target != awaitingApprovalPath {
		testContext.Fatalf("expected corrected repeat, got %+v", repeated)
	}

	// The backend of record approves the creator; the next page load picks it up.
	backend.set(map[string]any{"id": creatorSubjectID, "email": "cara@example.com", "role": "creator", "status": "active"})
	restored := getSession(testContext, browser, testServer.URL+"/session?path="+awaitingApprovalPath+"&next=/dashboard")
	if !restored.Authenticated || restored.Identity.Status != "active" {
		testContext.Fatalf("expected refreshed active creator, got %+v", restored)
	}
	if restored.Target != "/dashboard" {
		testContext.Fatalf("expected dashboard target, got %q", restored.Target)
	}

	// The account disappears from the backend of record.
	backend.set(nil)
	gone := getSession(testContext, browser, testServer.URL+"/session?path=/dashboard")
	if gone.Authenticated || gone.Identity != nil {
		testContext.Fatalf("expected signed-out session after identity removal, got %+v", gone)
	}
}

func getSession(testContext *testing.T, client *http.Client, target string) sessionPayload {
	testContext.Helper()
	response, err := client.Get(target)
	if err != nil {
		testContext.Fatalf("request %s failed: %v", target, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", response.StatusCode, target)
	}
	var payload sessionPayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
	return payload
}
