package main

import (
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"payrecon/internal/chain"
	"payrecon/internal/common/api"
	"payrecon/internal/reference"
)

// devLedgerHandler lets a developer simulate payer transactions against
// the in-memory ledger.
type devLedgerHandler struct {
	ledger    *chain.Ledger
	recipient solana.PublicKey
	logger    *slog.Logger
}

func newDevLedgerHandler(ledger *chain.Ledger, recipient solana.PublicKey, logger *slog.Logger) *devLedgerHandler {
	return &devLedgerHandler{ledger: ledger, recipient: recipient, logger: logger}
}

func (h *devLedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/pay", h.pay)
	r.Post("/commitment", h.setCommitment)
	return r
}

type devPayRequest struct {
	Reference  string `json:"reference" validate:"required"`
	Lamports   uint64 `json:"lamports" validate:"required,gt=0"`
	Memo       string `json:"memo"`
	Recipient  string `json:"recipient"`
	Failed     bool   `json:"failed"`
	Commitment string `json:"commitment" validate:"omitempty,oneof=processed confirmed finalized"`
}

type devPayResponse struct {
	Signature string `json:"signature"`
}

func (h *devLedgerHandler) pay(w http.ResponseWriter, r *http.Request) {
	var req devPayRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	ref, err := reference.Parse(req.Reference)
	if err != nil {
		api.BadRequest(w, "malformed reference")
		return
	}
	recipient := h.recipient
	if req.Recipient != "" {
		if recipient, err = solana.PublicKeyFromBase58(req.Recipient); err != nil {
			api.BadRequest(w, "malformed recipient")
			return
		}
	}
	commitment := chain.CommitmentConfirmed
	if req.Commitment != "" {
		if commitment, err = chain.ParseCommitment(req.Commitment); err != nil {
			api.BadRequest(w, err.Error())
			return
		}
	}
	payer, err := reference.New()
	if err != nil {
		api.InternalError(w, "failed to mint payer key")
		return
	}

	sig, err := h.ledger.Pay(chain.PayParams{
		Source:      payer,
		Destination: recipient,
		Lamports:    req.Lamports,
		References:  []solana.PublicKey{ref},
		Memo:        req.Memo,
		Failed:      req.Failed,
		Commitment:  commitment,
	})
	if err != nil {
		api.InternalError(w, "failed to record transaction")
		return
	}

	h.logger.Info("simulated payment",
		"reference", ref.String(),
		"signature", sig.String(),
		"lamports", req.Lamports,
		"commitment", commitment.String(),
	)
	api.WriteData(w, http.StatusCreated, devPayResponse{Signature: sig.String()})
}

type devCommitmentRequest struct {
	Signature  string `json:"signature" validate:"required"`
	Commitment string `json:"commitment" validate:"required,oneof=processed confirmed finalized"`
}

func (h *devLedgerHandler) setCommitment(w http.ResponseWriter, r *http.Request) {
	var req devCommitmentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	sig, err := solana.SignatureFromBase58(req.Signature)
	if err != nil {
		api.BadRequest(w, "malformed signature")
		return
	}
	commitment, err := chain.ParseCommitment(req.Commitment)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	h.ledger.SetCommitment(sig, commitment)
	w.WriteHeader(http.StatusNoContent)
}
