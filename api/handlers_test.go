/*
handlers_test.go - Tests for the HTTP adapter

Tests for:
- Loan lifecycle over HTTP (create, approve, disburse, repay)
- Addressing by id and by external id
- Error kind to status mapping and the {code, message} body
- Reverse and journal lookup
- Accrual job endpoint and /metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/loan/store"
	"github.com/warp/loan-ledger/metrics"
)

type testServer struct {
	t      *testing.T
	router http.Handler
	clock  *loan.FixedClock
	engine *loan.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	catalog, err := factory.LoadCatalog("../configs/products.toml")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	clock := loan.NewFixedClock(calendar.MustParse("2024-06-01"))
	engine := loan.NewEngine(store.NewTxMemory(), catalog,
		loan.WithClock(clock),
		loan.WithMetrics(metrics.New(reg)),
	)
	h := NewHandler(engine, catalog, nil)
	router := NewRouter(h, RouterOptions{
		AllowedOrigins: []string{"*"},
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return &testServer{t: t, router: router, clock: clock, engine: engine}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, code, resp.Code)
	assert.NotEmpty(t, resp.Message)
}

// activeLoan creates, approves and disburses a flat-cash loan of 10000.
func (s *testServer) activeLoan(externalID string) int64 {
	s.t.Helper()
	rec := s.do("POST", "/api/loans", map[string]any{
		"externalId":      externalID,
		"productId":       "flat-cash",
		"principal":       "10000",
		"submittedOnDate": "2024-01-01",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	id := int64(decodeBody(s.t, rec)["id"].(float64))

	rec = s.do("POST", fmt.Sprintf("/api/loans/%d?command=approve", id), map[string]any{"approvedOnDate": "2024-01-01"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type":              "DISBURSEMENT",
		"transactionDate":   "2024-01-01",
		"transactionAmount": "10000",
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return id
}

// =============================================================================
// CATALOG
// =============================================================================

func TestListProducts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("GET", "/api/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var products []ProductDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &products))
	require.Len(t, products, 3)
	assert.Equal(t, "bnpl", products[0].ID)
	assert.Equal(t, "25", products[0].DownPaymentPercentage)
	assert.Equal(t, []string{"PENALTY", "FEE", "INTEREST", "PRINCIPAL"}, products[2].AllocationOrder)

	rec = s.do("GET", "/api/gl-accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	assert.Len(t, accounts, 17)
}

// =============================================================================
// LOAN FLOW
// =============================================================================

func TestLoanFlow_RepaymentPostsJournal(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan("loan-ext-1")

	// WHEN: The first installment is repaid
	rec := s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type":              "REPAYMENT",
		"transactionDate":   "2024-03-01",
		"transactionAmount": "2200",
		"externalId":        "repay-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result loan.TransactionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	// THEN: DEBIT fund 2200 / CREDIT portfolio 2000 + interest income 200
	require.Len(t, result.JournalEntries, 3)
	legs := map[string]string{}
	for _, e := range result.JournalEntries {
		legs[fmt.Sprintf("%s %d", e.Type, e.GLAccountID)] = e.Amount.String()
	}
	assert.Equal(t, map[string]string{"DEBIT 1": "2200", "CREDIT 2": "2000", "CREDIT 6": "200"}, legs)

	// The same entries come back through the journal endpoint
	rec = s.do("GET", "/api/journal-entries?transactionId=L"+fmt.Sprint(result.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 3)

	// Loan summary by external id
	rec = s.do("GET", "/api/loans/external-id/loan-ext-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody(t, rec)
	assert.Equal(t, "ACTIVE", view["status"])
	summary := view["summary"].(map[string]any)
	assert.Equal(t, "8000", summary["principalOutstanding"])

	// Transaction by external id
	rec = s.do("GET", fmt.Sprintf("/api/loans/%d/transactions/external-id/repay-1", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REPAYMENT", decodeBody(t, rec)["type"])

	// Schedule
	rec = s.do("GET", fmt.Sprintf("/api/loans/%d/schedule", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	periods := decodeBody(t, rec)["periods"].([]any)
	assert.Len(t, periods, 6, "disbursement row plus 5 repayments")

	// Listing includes both transactions
	rec = s.do("GET", fmt.Sprintf("/api/loans/%d/transactions", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txs))
	assert.Len(t, txs, 2)
}

func TestReverseTransaction(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan("")

	rec := s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type":              "REPAYMENT",
		"transactionDate":   "2024-03-01",
		"transactionAmount": "2200",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	txID := int64(decodeBody(t, rec)["resourceId"].(float64))

	// WHEN: The repayment is reversed
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions/%d/reverse", id, txID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Outstanding principal is back to 10000
	rec = s.do("GET", fmt.Sprintf("/api/loans/%d", id), nil)
	summary := decodeBody(t, rec)["summary"].(map[string]any)
	assert.Equal(t, "10000", summary["principalOutstanding"])

	// A second reversal is a state conflict
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions/%d/reverse", id, txID), nil)
	requireError(t, rec, http.StatusConflict, loan.CodeAlreadyReversed)
}

func TestChargeEndpoints(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan("")

	rec := s.do("POST", fmt.Sprintf("/api/loans/%d/charges", id), map[string]any{
		"externalId": "fee-1",
		"name":       "Late fee",
		"amount":     "25",
		"dueDate":    "2024-03-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	chargeID := int64(decodeBody(t, rec)["id"].(float64))

	rec = s.do("GET", fmt.Sprintf("/api/loans/%d/charges/%d", id, chargeID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Late fee", decodeBody(t, rec)["name"])

	// Pay it by external id
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type":              "CHARGE_PAYMENT",
		"transactionDate":   "2024-03-01",
		"transactionAmount": "25",
		"chargeExternalId":  "fee-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do("GET", fmt.Sprintf("/api/loans/%d/charges/external-id/missing", id), nil)
	requireError(t, rec, http.StatusNotFound, loan.CodeChargeExternalIDNotFound)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	id := s.activeLoan("")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown loan id", "GET", "/api/loans/999", nil, http.StatusNotFound, loan.CodeLoanNotFound},
		{"unknown loan external id", "GET", "/api/loans/external-id/nope", nil, http.StatusNotFound, loan.CodeLoanExternalIDNotFound},
		{"unknown transaction", "GET", fmt.Sprintf("/api/loans/%d/transactions/999", id), nil, http.StatusNotFound, loan.CodeTransactionNotFound},
		{"malformed id", "GET", "/api/loans/abc", nil, http.StatusBadRequest, codeInvalidRequest},
		{"unknown product", "POST", "/api/loans", map[string]any{"productId": "nope", "principal": "100", "submittedOnDate": "2024-01-01"}, http.StatusNotFound, loan.CodeProductNotFound},
		{"unknown transaction type", "POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{"type": "BOGUS"}, http.StatusBadRequest, codeInvalidRequest},
		{"future date", "POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{"type": "REPAYMENT", "transactionDate": "2030-01-01", "transactionAmount": "1"}, http.StatusBadRequest, loan.CodeFutureDate},
		{"unknown command", "POST", fmt.Sprintf("/api/loans/%d?command=explode", id), nil, http.StatusBadRequest, codeUnknownCommand},
		{"bad correlation id", "GET", "/api/journal-entries?transactionId=X1", nil, http.StatusBadRequest, loan.CodeInvalidCorrelationID},
		{"close with balance", "POST", fmt.Sprintf("/api/loans/%d?command=close", id), nil, http.StatusConflict, loan.CodeCloseOutstanding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			requireError(t, rec, tt.status, tt.code)
		})
	}
}

func TestRepaymentBeforeDisbursementIsConflict(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: An approved, undisbursed loan
	rec := s.do("POST", "/api/loans", map[string]any{"productId": "flat-cash", "principal": "500", "submittedOnDate": "2024-01-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := int64(decodeBody(t, rec)["id"].(float64))
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d?command=approve", id), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Repaying
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type":              "REPAYMENT",
		"transactionDate":   "2024-02-01",
		"transactionAmount": "100",
	})

	// THEN: 409 with the not-active code
	requireError(t, rec, http.StatusConflict, loan.CodeNotActive)
}

func TestWriteError_InternalHidesDetails(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()

	h.writeError(rec, fmt.Errorf("disk on fire"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, codeInternal, resp.Code)
	assert.Equal(t, "internal error", resp.Message)
}

// =============================================================================
// JOBS, HEALTH, METRICS
// =============================================================================

func TestRunAccrualsEndpoint(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A disbursed periodic-accrual loan
	rec := s.do("POST", "/api/loans", map[string]any{"productId": "declining-accrual", "principal": "12000", "submittedOnDate": "2024-01-01"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := int64(decodeBody(t, rec)["id"].(float64))
	require.Equal(t, http.StatusOK, s.do("POST", fmt.Sprintf("/api/loans/%d?command=approve", id), map[string]any{"approvedOnDate": "2024-01-01"}).Code)
	rec = s.do("POST", fmt.Sprintf("/api/loans/%d/transactions", id), map[string]any{
		"type": "DISBURSEMENT", "transactionDate": "2024-01-01", "transactionAmount": "12000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Running accruals for the business date, twice
	rec = s.do("POST", "/api/jobs/accruals", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first AccrualRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = s.do("POST", "/api/jobs/accruals", map[string]any{"loanIds": []int64{id}})
	require.Equal(t, http.StatusOK, rec.Code)
	var second AccrualRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))

	// THEN: One accrual booked, nothing the second time
	assert.Equal(t, "2024-06-01", first.Date.String())
	assert.Equal(t, 1, first.Booked)
	assert.Equal(t, 0, second.Booked)

	// Future dates are rejected
	rec = s.do("POST", "/api/jobs/accruals", map[string]any{"date": "2025-01-01"})
	requireError(t, rec, http.StatusBadRequest, loan.CodeFutureDate)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.activeLoan("")

	rec := s.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `loan_ledger_transactions_processed_total{type="DISBURSEMENT"} 1`), rec.Body.String())
}

func TestAccrualScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)
	sched := NewAccrualScheduler(s.engine, nil)

	// No accrual loans: nothing booked, no error
	assert.Equal(t, 0, sched.RunNow())

	sched.Enabled = false
	sched.Start()
	sched.Stop()
}

func TestAccrualScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	sched := NewAccrualScheduler(s.engine, nil)

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()
}
