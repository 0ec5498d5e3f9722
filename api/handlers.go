/*
handlers.go - HTTP API handlers for the loan ledger

PURPOSE:
  Exposes the loan engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to loan.Engine.

ENDPOINTS:
  Catalog:
    GET    /api/products                          List loan products
    GET    /api/gl-accounts                       List the chart of accounts

  Loans ({loan} is "{id}" or "external-id/{externalId}"):
    POST   /api/loans                             Submit a loan application
    GET    /api/loans/{loan}                      Loan with summary and charges
    POST   /api/loans/{loan}?command=...          approve, undoApproval, close,
                                                  undoDisbursal, undoLastDisbursal,
                                                  undoChargeOff
    GET    /api/loans/{loan}/schedule             Repayment schedule

  Transactions ({tx} is "{id}" or "external-id/{externalId}"):
    GET    /api/loans/{loan}/transactions         All transactions, reversed included
    POST   /api/loans/{loan}/transactions         Submit a transaction
    GET    /api/loans/{loan}/transactions/{tx}    One transaction with relations
    POST   /api/loans/{loan}/transactions/{tx}/reverse
                                                  Reverse, or adjust with a new amount

  Charges ({charge} is "{id}" or "external-id/{externalId}"):
    POST   /api/loans/{loan}/charges              Add a fee or penalty
    GET    /api/loans/{loan}/charges/{charge}     Charge with balances

  Journal and jobs:
    GET    /api/journal-entries?transactionId=L12 Entries of one loan transaction
    POST   /api/jobs/accruals                     Run periodic accrual now

ERROR HANDLING:
  Engine errors carry a kind and a stable code. Responses are
  {"code": ..., "message": ...} with status:
  - 400: Validation errors, undecodable bodies
  - 404: Unknown loan, transaction, charge or product
  - 409: Operation not allowed in the loan's current state
  - 500: Invariant violations and store failures (message withheld)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - loan/engine.go: The operations behind each endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/loan"
)

const (
	codeInvalidRequest  = "error.msg.request.invalid"
	codeUnknownCommand  = "error.msg.loan.command.unsupported"
	codeUnknownScenario = "error.msg.scenario.not.found"
	codeInternal        = "error.msg.internal"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *loan.Engine
	Catalog *factory.Catalog
	log     *zap.Logger
}

func NewHandler(engine *loan.Engine, catalog *factory.Catalog, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Catalog: catalog, log: log}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products := h.Catalog.Products()
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListGLAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.GLAccounts())
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	acct, err := h.Engine.CreateLoan(r.Context(), loan.Application{
		ExternalID:             req.ExternalID,
		ProductID:              req.ProductID,
		Principal:              req.Principal,
		SubmittedOn:            req.SubmittedOnDate,
		ExpectedDisbursementOn: req.ExpectedDisbursementDate,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	view, err := h.Engine.GetLoan(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// LoanCommand dispatches on the "command" query parameter.
func (h *Handler) LoanCommand(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	var req LoanCommandRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	today := h.Engine.Today()

	var (
		acct *loan.Account
		err  error
	)
	switch cmd := r.URL.Query().Get("command"); cmd {
	case "approve":
		acct, err = h.Engine.Approve(r.Context(), ref, orDate(req.ApprovedOnDate, today))
	case "undoApproval":
		acct, err = h.Engine.UndoApproval(r.Context(), ref)
	case "close":
		acct, err = h.Engine.Close(r.Context(), ref, orDate(req.ClosedOnDate, today))
	case "undoDisbursal":
		acct, err = h.Engine.UndoDisbursal(r.Context(), ref)
	case "undoLastDisbursal":
		acct, err = h.Engine.UndoLastDisbursal(r.Context(), ref)
	case "undoChargeOff":
		acct, err = h.Engine.UndoChargeOff(r.Context(), ref)
	default:
		writeError(w, http.StatusBadRequest, codeUnknownCommand, fmt.Sprintf("unsupported loan command %q", cmd))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	rows, err := h.Engine.GetRepaymentSchedule(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": rows})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	txs, err := h.Engine.ListTransactions(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if txs == nil {
		txs = []loan.TransactionView{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	var req TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.SubmitTransaction(r.Context(), ref, req.command())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	txRef, ok := h.pathRef(w, r, "txID", "txExternalID")
	if !ok {
		return
	}
	view, err := h.Engine.GetTransaction(r.Context(), ref, txRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	txRef, ok := h.pathRef(w, r, "txID", "txExternalID")
	if !ok {
		return
	}
	var req ReverseRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	res, err := h.Engine.ReverseTransaction(r.Context(), ref, txRef, req.TransactionDate, req.TransactionAmount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	var req ChargeRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.Engine.AddCharge(r.Context(), ref, req.domain())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.loanRef(w, r)
	if !ok {
		return
	}
	chargeRef, ok := h.pathRef(w, r, "chargeID", "chargeExternalID")
	if !ok {
		return
	}
	view, err := h.Engine.GetCharge(r.Context(), ref, chargeRef)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// JOURNAL AND JOBS
// =============================================================================

func (h *Handler) GetJournalEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.GetJournalEntries(r.Context(), r.URL.Query().Get("transactionId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) RunAccruals(w http.ResponseWriter, r *http.Request) {
	var req AccrualRunRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	date := h.Engine.Today()
	if req.Date != nil {
		date = *req.Date
	}
	var ids []int64
	if len(req.LoanIDs) > 0 {
		ids = req.LoanIDs
	}
	booked, err := h.Engine.RunAccruals(r.Context(), date, ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccrualRunResponse{Date: date, Booked: booked})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loanRef(w http.ResponseWriter, r *http.Request) (loan.Ref, bool) {
	return h.pathRef(w, r, "loanID", "loanExternalID")
}

// pathRef builds a Ref from whichever of the two URL params is present.
func (h *Handler) pathRef(w http.ResponseWriter, r *http.Request, idParam, externalParam string) (loan.Ref, bool) {
	if ext := chi.URLParam(r, externalParam); ext != "" {
		return loan.ByExternalID(ext), true
	}
	raw := chi.URLParam(r, idParam)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("invalid id %q", raw))
		return loan.Ref{}, false
	}
	return loan.ByID(id), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeError maps the engine's error kinds to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := loan.CodeOf(err)
	switch loan.KindOf(err) {
	case loan.KindValidation:
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	case loan.KindState:
		writeError(w, http.StatusConflict, code, err.Error())
		return
	case loan.KindNotFound:
		writeError(w, http.StatusNotFound, code, err.Error())
		return
	}
	if errors.Is(err, loan.ErrProductNotFound) {
		writeError(w, http.StatusNotFound, loan.CodeProductNotFound, err.Error())
		return
	}

	if code == "" {
		code = codeInternal
	}
	h.log.Error("request failed", zap.String("code", code), zap.Error(err))
	writeError(w, http.StatusInternalServerError, code, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func orDate(d, fallback calendar.Date) calendar.Date {
	if d.IsZero() {
		return fallback
	}
	return d
}
