package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/identity"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestLoginReturnsPasswordCandidate(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body["email"] != "ann@example.com" || body["password"] != "secret" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"user":{"id":"u-1","email":"ann@example.com","display_name":"Ann","role":"Creator","status":null},"token":"abc"}`)
	})

	result, err := client.Login(context.Background(), " Ann@Example.com ", "secret")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	candidate := result.Candidate
	if candidate.SubjectID != "u-1" || candidate.Role != identity.RoleCreator || candidate.Status != "" {
		t.Fatalf("unexpected candidate %+v", candidate)
	}
	if candidate.Provenance != identity.ProvenancePasswordLogin {
		t.Fatalf("unexpected provenance %q", candidate.Provenance)
	}
}

func TestCredentialErrorsMapToActionableMessages(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{name: "wrong password", status: http.StatusUnauthorized, body: `{"error":"bad"}`, code: CodeInvalidCredentials, message: MessageInvalidCredentials},
		{name: "conflict", status: http.StatusConflict, body: `{}`, code: CodeDuplicateEmail, message: MessageDuplicateEmail},
		{name: "duplicate code", status: http.StatusBadRequest, body: `{"code":"user_already_exists","message":"raw backend text"}`, code: CodeDuplicateEmail, message: MessageDuplicateEmail},
		{name: "rate limited", status: http.StatusTooManyRequests, body: ``, code: CodeRateLimited, message: MessageRateLimited},
		{name: "server error", status: http.StatusInternalServerError, body: `{"message":"stack trace"}`, code: CodeFailed, message: MessageGeneric},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = io.WriteString(w, testCase.body)
			})
			_, err := client.Signup(context.Background(), SignupRequest{Email: "ann@example.com", Password: "pw"})
			var failure *Error
			if !errors.As(err, &failure) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if failure.Code != testCase.code || failure.Message != testCase.message {
				t.Fatalf("expected %s/%q, got %s/%q", testCase.code, testCase.message, failure.Code, failure.Message)
			}
			if strings.Contains(failure.Message, "raw backend text") || strings.Contains(failure.Message, "stack trace") {
				t.Fatalf("backend payload leaked into message %q", failure.Message)
			}
		})
	}
}

func TestLoginRejectsMissingFieldsWithoutCallingBackend(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	_, err := client.Login(context.Background(), "", "pw")
	var failure *Error
	if !errors.As(err, &failure) || failure.Code != CodeMissingFields {
		t.Fatalf("expected missing fields error, got %v", err)
	}
	if called {
		t.Fatalf("backend should not be called")
	}
}

func TestLoginMalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"token":"abc"}`)
	})
	_, err := client.Login(context.Background(), "ann@example.com", "pw")
	var failure *Error
	if !errors.As(err, &failure) || failure.Code != CodeMalformedResponse || failure.Message != MessageGeneric {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}
