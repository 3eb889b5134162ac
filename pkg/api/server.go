package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/auth"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/issuance"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/reconcile"
)

// Issuer runs issuance. *issuance.Pipeline satisfies it.
type Issuer interface {
	IssueProposalCredentials(ctx context.Context, space credentials.Space, proposal credentials.Proposal, events ...credentials.CredentialEvent) (issuance.Report, error)
	IssueRewardCredentials(ctx context.Context, space credentials.Space, reward credentials.Reward, applicationID string) (issuance.Report, error)
	FindSpaceIssuableProposalCredentials(ctx context.Context, space credentials.Space, proposals []credentials.Proposal) ([]credentials.IssuableCredential, error)
	FindSpaceIssuableRewardCredentials(ctx context.Context, space credentials.Space, rewards []credentials.Reward) ([]credentials.IssuableCredential, error)
	IssueSpaceOnchain(ctx context.Context, space credentials.Space, proposals []credentials.Proposal, rewards []credentials.Reward, chainID int64, safeAddress string) (issuance.Report, error)
}

// Tracker records batches proposed outside this service.
type Tracker interface {
	Save(ctx context.Context, req batch.SaveRequest) (credentials.PendingBatch, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, txHash string, chainID int64) (reconcile.Result, error)
}

type PendingReader interface {
	GetPendingBatch(ctx context.Context, txHash string) (credentials.PendingBatch, error)
	FindPendingBatches(ctx context.Context, f credentials.PendingFilter) ([]credentials.PendingBatch, error)
}

// Deps are the services the API fronts.
type Deps struct {
	Issuer     Issuer
	Tracker    Tracker
	Reconciler Reconciler
	Pending    PendingReader
	Health     func(ctx context.Context) error
}

// Server is the admin HTTP API.
type Server struct {
	deps      Deps
	validator *auth.JWTValidator
	limiter   *IPRateLimiter
	logger    *slog.Logger
}

type Option func(*Server)

// WithRateLimit enables per-IP rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = NewIPRateLimiter(rps, burst) }
}

// NewServer builds the API. A nil validator rejects every protected route.
func NewServer(deps Deps, validator *auth.JWTValidator, opts ...Option) *Server {
	s := &Server{
		deps:      deps,
		validator: validator,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limiter returns the per-IP limiter, or nil when disabled.
func (s *Server) Limiter() *IPRateLimiter { return s.limiter }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/proposals/credentials", s.handleProposalCredentials)
	mux.HandleFunc("POST /v1/rewards/credentials", s.handleRewardCredentials)
	mux.HandleFunc("POST /v1/spaces/{spaceId}/issuable", s.handleSpaceIssuable)
	mux.HandleFunc("POST /v1/pending-transactions", s.handleSavePending)
	mux.HandleFunc("GET /v1/pending-transactions", s.handleListPending)
	mux.HandleFunc("POST /v1/pending-transactions/{txHash}/reconcile", s.handleReconcile)

	var h http.Handler = mux
	h = auth.NewMiddleware(s.validator, WriteUnauthorized, "/healthz")(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return auth.RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "dependency check failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize writes a 403 and returns false when the caller may not act on
// spaceID.
func authorize(w http.ResponseWriter, r *http.Request, spaceID string) bool {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil || !p.CanAccessSpace(spaceID) {
		WriteForbidden(w, fmt.Sprintf("no access to space %q", spaceID))
		return false
	}
	return true
}

const maxBodyBytes = 1 << 20

// decodeBody validates the request body against schema and decodes it
// into dst.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return errors.New("request body too large")
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return errors.New(leafMessage(ve))
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

// leafMessage reports the most specific schema failure.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return loc + ": " + ve.Message
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustCompile(name, schema string) *jsonschema.Schema {
	url := "https://credentials.charmverse.io/schemas/api/" + name + ".schema.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("api schema %s load failed: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("api schema %s compile failed: %v", name, err))
	}
	return compiled
}
