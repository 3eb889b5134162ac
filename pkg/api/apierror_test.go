package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/api"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	return problem
}

func TestProblemWriters(t *testing.T) {
	cases := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		title  string
		detail string
	}{
		{"bad request", func(w http.ResponseWriter) { api.WriteBadRequest(w, "chainId must be an integer") }, http.StatusBadRequest, "Bad Request", "chainId must be an integer"},
		{"unauthorized default", func(w http.ResponseWriter) { api.WriteUnauthorized(w, "") }, http.StatusUnauthorized, "Unauthorized", "Authentication required"},
		{"forbidden", func(w http.ResponseWriter) { api.WriteForbidden(w, `no access to space "s2"`) }, http.StatusForbidden, "Forbidden", `no access to space "s2"`},
		{"not found", func(w http.ResponseWriter) { api.WriteNotFound(w, "pending batch 0xabc") }, http.StatusNotFound, "Not Found", "pending batch 0xabc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tc.write(w)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			problem := decodeProblem(t, w)
			if problem.Status != tc.status || problem.Title != tc.title || problem.Detail != tc.detail {
				t.Errorf("problem = %+v", problem)
			}
		})
	}
}

func TestWriteInternal_HidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	cause := errors.New("pq: duplicate key value violates unique constraint \"issued_credentials_identity\"")
	api.WriteInternal(w, cause)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if problem := decodeProblem(t, w); problem.Detail == cause.Error() {
		t.Error("store error leaked to client")
	}
}

func TestWriteTooManyRequests_SetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 2)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "2" {
		t.Errorf("Retry-After = %q", ra)
	}
}

func TestWriteErrorR_CarriesInstanceAndRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/pending-transactions/0xabc/reconcile", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-7")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "chainId must be an integer")

	problem := decodeProblem(t, w)
	if problem.Instance != "/v1/pending-transactions/0xabc/reconcile" {
		t.Errorf("instance = %q", problem.Instance)
	}
	if problem.TraceID != "req-7" {
		t.Errorf("trace_id = %q", problem.TraceID)
	}
}

func TestWriteDomainError_MapsStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		field  string
	}{
		{"validation", credentials.Invalid("safeAddress", credentials.ErrInvalidAddress), http.StatusBadRequest, "safeAddress"},
		{"wrapped validation", fmt.Errorf("submit: %w", credentials.Invalid("chainId", credentials.ErrUnsupportedChain)), http.StatusBadRequest, "chainId"},
		{"not found", fmt.Errorf("batch 0x1: %w", credentials.ErrNotFound), http.StatusNotFound, ""},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/pending-transactions", nil)
			w := httptest.NewRecorder()
			api.WriteDomainError(w, req, tc.err)

			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			var problem api.ProblemDetail
			if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if problem.Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, problem.Field)
			}
			if problem.Instance != "/v1/pending-transactions" {
				t.Errorf("unexpected instance %q", problem.Instance)
			}
			if tc.status == http.StatusInternalServerError && problem.Detail == tc.err.Error() {
				t.Error("internal error details leaked to client")
			}
		})
	}
}
