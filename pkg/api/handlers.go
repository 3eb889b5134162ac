package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/batch"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/reconcile"
)

const objectWithID = `{"type": "object", "required": ["id"], "properties": {"id": {"type": "string", "minLength": 1}}}`

var (
	proposalRunSchema = mustCompile("proposal-run", `{
  "type": "object",
  "required": ["space", "proposal"],
  "properties": {
    "space": `+objectWithID+`,
    "proposal": `+objectWithID+`,
    "event": {"enum": ["proposal_created", "proposal_approved"]}
  }
}`)

	rewardRunSchema = mustCompile("reward-run", `{
  "type": "object",
  "required": ["space", "reward"],
  "properties": {
    "space": `+objectWithID+`,
    "reward": `+objectWithID+`,
    "applicationId": {"type": "string"}
  }
}`)

	issuableSchema = mustCompile("space-issuable", `{
  "type": "object",
  "properties": {
    "space": {"type": "object"},
    "proposals": {"type": "array", "items": `+objectWithID+`},
    "rewards": {"type": "array", "items": `+objectWithID+`},
    "submit": {
      "type": "object",
      "required": ["chainId", "safeAddress"],
      "properties": {
        "chainId": {"type": "integer", "minimum": 1},
        "safeAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
      }
    }
  }
}`)

	pendingSchema = mustCompile("pending-transaction", `{
  "type": "object",
  "required": ["credentialType", "chainId", "safeAddress", "txHash", "spaceId", "credentials"],
  "properties": {
    "credentialType": {"enum": ["proposal", "reward"]},
    "chainId": {"type": "integer", "minimum": 1},
    "safeAddress": {"type": "string"},
    "txHash": {"type": "string", "minLength": 1},
    "schemaId": {"type": "string"},
    "spaceId": {"type": "string", "minLength": 1},
    "credentials": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["recipientUserId", "recipientAddress", "credentialTemplateId", "objectId", "event", "payload"],
        "properties": {
          "payload": {
            "type": "object",
            "required": ["name", "event", "url"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "event": {"type": "string", "minLength": 1},
              "url": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`)
)

type proposalRunRequest struct {
	Space    credentials.Space           `json:"space"`
	Proposal credentials.Proposal        `json:"proposal"`
	Event    credentials.CredentialEvent `json:"event,omitempty"`
}

func (s *Server) handleProposalCredentials(w http.ResponseWriter, r *http.Request) {
	var req proposalRunRequest
	if err := decodeBody(r, proposalRunSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if !authorize(w, r, req.Space.ID) {
		return
	}
	var events []credentials.CredentialEvent
	if req.Event != "" {
		events = append(events, req.Event)
	}
	report, err := s.deps.Issuer.IssueProposalCredentials(r.Context(), req.Space, req.Proposal, events...)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type rewardRunRequest struct {
	Space         credentials.Space  `json:"space"`
	Reward        credentials.Reward `json:"reward"`
	ApplicationID string             `json:"applicationId,omitempty"`
}

func (s *Server) handleRewardCredentials(w http.ResponseWriter, r *http.Request) {
	var req rewardRunRequest
	if err := decodeBody(r, rewardRunSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if !authorize(w, r, req.Space.ID) {
		return
	}
	report, err := s.deps.Issuer.IssueRewardCredentials(r.Context(), req.Space, req.Reward, req.ApplicationID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type issuableRequest struct {
	Space     credentials.Space      `json:"space"`
	Proposals []credentials.Proposal `json:"proposals"`
	Rewards   []credentials.Reward   `json:"rewards"`
	Submit    *struct {
		ChainID     int64  `json:"chainId"`
		SafeAddress string `json:"safeAddress"`
	} `json:"submit,omitempty"`
}

type issuableResponse struct {
	Proposals []credentials.IssuableCredential `json:"proposals"`
	Rewards   []credentials.IssuableCredential `json:"rewards"`
}

// handleSpaceIssuable lists the onchain credentials a space is missing, or
// submits them as batches when the request carries a submit block.
func (s *Server) handleSpaceIssuable(w http.ResponseWriter, r *http.Request) {
	spaceID := r.PathValue("spaceId")
	var req issuableRequest
	if err := decodeBody(r, issuableSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Space.ID == "" {
		req.Space.ID = spaceID
	}
	if req.Space.ID != spaceID {
		WriteBadRequest(w, "space.id does not match the path")
		return
	}
	if !authorize(w, r, spaceID) {
		return
	}

	ctx := r.Context()
	if req.Submit != nil {
		report, err := s.deps.Issuer.IssueSpaceOnchain(ctx, req.Space, req.Proposals, req.Rewards, req.Submit.ChainID, req.Submit.SafeAddress)
		if err != nil {
			WriteDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	var resp issuableResponse
	var err error
	if resp.Proposals, err = s.deps.Issuer.FindSpaceIssuableProposalCredentials(ctx, req.Space, req.Proposals); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if resp.Rewards, err = s.deps.Issuer.FindSpaceIssuableRewardCredentials(ctx, req.Space, req.Rewards); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if resp.Proposals == nil {
		resp.Proposals = []credentials.IssuableCredential{}
	}
	if resp.Rewards == nil {
		resp.Rewards = []credentials.IssuableCredential{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type savePendingRequest struct {
	Type        credentials.CredentialType       `json:"credentialType"`
	ChainID     int64                            `json:"chainId"`
	SafeAddress string                           `json:"safeAddress"`
	TxHash      string                           `json:"txHash"`
	SchemaID    string                           `json:"schemaId"`
	SpaceID     string                           `json:"spaceId"`
	Credentials []credentials.IssuableCredential `json:"credentials"`
}

func (s *Server) handleSavePending(w http.ResponseWriter, r *http.Request) {
	var req savePendingRequest
	if err := decodeBody(r, pendingSchema, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if !authorize(w, r, req.SpaceID) {
		return
	}
	saved, err := s.deps.Tracker.Save(r.Context(), batch.SaveRequest{
		Type:        req.Type,
		ChainID:     req.ChainID,
		SafeAddress: req.SafeAddress,
		TxHash:      req.TxHash,
		SchemaID:    req.SchemaID,
		SpaceID:     req.SpaceID,
		Credentials: req.Credentials,
	})
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	spaceID := q.Get("spaceId")
	if spaceID == "" {
		WriteBadRequest(w, "spaceId query parameter is required")
		return
	}
	if !authorize(w, r, spaceID) {
		return
	}
	f := credentials.PendingFilter{SpaceID: spaceID}
	if v := q.Get("chainId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "chainId must be an integer")
			return
		}
		f.ChainID = id
	}
	batches, err := s.deps.Pending.FindPendingBatches(r.Context(), f)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if batches == nil {
		batches = []credentials.PendingBatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pendingTransactions": batches})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	txHash := r.PathValue("txHash")
	var chainID int64
	if v := r.URL.Query().Get("chainId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "chainId must be an integer")
			return
		}
		chainID = id
	}

	b, err := s.deps.Pending.GetPendingBatch(r.Context(), txHash)
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		// Already reconciled or never tracked.
		writeJSON(w, http.StatusOK, reconcile.Result{TxHash: txHash, ChainID: chainID, Outcome: reconcile.OutcomeAbsent})
		return
	case err != nil:
		WriteDomainError(w, r, err)
		return
	}
	if !authorize(w, r, b.SpaceID) {
		return
	}

	res, err := s.deps.Reconciler.Reconcile(r.Context(), txHash, chainID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
