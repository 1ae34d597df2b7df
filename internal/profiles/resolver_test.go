package profiles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestHTTPResolverPrefersSubjectID(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		if r.Header.Get("Authorization") != "Bearer service-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"user-1","email":"a@b.com","display_name":"Ada","role":"admin","status":null}`))
	}))
	defer server.Close()

	resolver, err := NewHTTPResolver(HTTPResolverConfig{BaseURL: server.URL, APIKey: "service-key"})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	resolution := resolver.Resolve(context.Background(), Lookup{SubjectID: "user-1", Email: "a@b.com"})
	if !resolution.Found || resolution.ByEmail {
		t.Fatalf("expected subject lookup to succeed, got %+v", resolution)
	}
	if requestedPath != "/profiles/user-1" {
		t.Fatalf("unexpected path %q", requestedPath)
	}
	if resolution.Profile.Role != identity.RoleAdmin {
		t.Fatalf("expected admin role, got %s", resolution.Profile.Role)
	}
	if resolution.Profile.Status != "" {
		t.Fatalf("expected null status to be absent, got %s", resolution.Profile.Status)
	}
}

func TestHTTPResolverEmailFallbackAcceptsArrays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profiles" || r.URL.Query().Get("email") != "a@b.com" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`[{"id":"user-9","email":"a@b.com","role":"creator","status":"pending"}]`))
	}))
	defer server.Close()

	logger, logs := newObservedLogger()
	resolver, err := NewHTTPResolver(HTTPResolverConfig{BaseURL: server.URL + "/", Logger: logger})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	resolution := resolver.Resolve(context.Background(), Lookup{Email: "a@b.com"})
	if !resolution.Found || !resolution.ByEmail {
		t.Fatalf("expected email lookup to succeed, got %+v", resolution)
	}
	if resolution.Profile.Status != identity.StatusPending {
		t.Fatalf("expected pending status, got %s", resolution.Profile.Status)
	}
	if logs.FilterMessage("profile resolved by email; lower confidence match").Len() != 1 {
		t.Fatalf("expected low confidence log entry")
	}
}

func TestHTTPResolverLogsFailureKindsDistinctly(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		failure Failure
		message string
	}{
		{"not found", http.StatusNotFound, ``, FailureNotFound, "profile not found"},
		{"empty array", http.StatusOK, `[]`, FailureNotFound, "profile not found"},
		{"unauthorized", http.StatusForbidden, ``, FailureUnauthorized, "profile fetch unauthorized"},
		{"server error", http.StatusBadGateway, ``, FailureNetwork, "profile backend unreachable"},
		{"garbage", http.StatusOK, `{not json`, FailureDecode, "profile response malformed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			logger, logs := newObservedLogger()
			resolver, err := NewHTTPResolver(HTTPResolverConfig{BaseURL: server.URL, Logger: logger})
			if err != nil {
				t.Fatalf("failed to create resolver: %v", err)
			}
			resolution := resolver.Resolve(context.Background(), Lookup{SubjectID: "user-1"})
			if resolution.Found {
				t.Fatalf("expected no profile")
			}
			if resolution.Failure != tc.failure {
				t.Fatalf("expected failure %s, got %s", tc.failure, resolution.Failure)
			}
			if logs.FilterMessage(tc.message).Len() != 1 {
				t.Fatalf("expected log %q, got %v", tc.message, logs.All())
			}
		})
	}
}

func TestHTTPResolverNetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	baseURL := server.URL
	server.Close()

	resolver, err := NewHTTPResolver(HTTPResolverConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	resolution := resolver.Resolve(context.Background(), Lookup{SubjectID: "user-1"})
	if resolution.Found || resolution.Failure != FailureNetwork {
		t.Fatalf("expected network failure, got %+v", resolution)
	}
}

func TestResolveWithoutLookupKey(t *testing.T) {
	resolver, err := NewHTTPResolver(HTTPResolverConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	resolution := resolver.Resolve(context.Background(), Lookup{})
	if resolution.Found || resolution.Failure != FailureNoLookupKey {
		t.Fatalf("expected no lookup key failure, got %+v", resolution)
	}
}

func newTestStoreResolver(t *testing.T) *StoreResolver {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "profiles.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	resolver, err := NewStoreResolver(StoreResolverConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolver
}

func TestStoreResolverRoundTripsNullableStatus(t *testing.T) {
	resolver := newTestStoreResolver(t)
	ctx := context.Background()

	if err := resolver.Upsert(ctx, identity.Profile{SubjectID: "user-1", Email: "A@B.com", Role: identity.RoleCreator}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	resolution := resolver.Resolve(ctx, Lookup{SubjectID: "user-1"})
	if !resolution.Found {
		t.Fatalf("expected profile, got %+v", resolution)
	}
	if resolution.Profile.Role != identity.RoleCreator || resolution.Profile.Status != "" {
		t.Fatalf("unexpected profile %+v", resolution.Profile)
	}

	if err := resolver.Upsert(ctx, identity.Profile{SubjectID: "user-1", Email: "a@b.com", Role: identity.RoleCreator, Status: identity.StatusActive}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	resolution = resolver.Resolve(ctx, Lookup{Email: "a@b.com"})
	if !resolution.Found || !resolution.ByEmail || resolution.Profile.Status != identity.StatusActive {
		t.Fatalf("expected updated profile by email, got %+v", resolution)
	}
}

func TestStoreResolverNotFound(t *testing.T) {
	resolver := newTestStoreResolver(t)
	resolution := resolver.Resolve(context.Background(), Lookup{SubjectID: "missing"})
	if resolution.Found || resolution.Failure != FailureNotFound {
		t.Fatalf("expected not found, got %+v", resolution)
	}
	if err := resolver.Upsert(context.Background(), identity.Profile{Email: "x@y.com"}); err != ErrInvalidProfile {
		t.Fatalf("expected invalid profile error, got %v", err)
	}
}
