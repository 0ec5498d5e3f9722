/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that create loans with realistic histories
	for demos and manual testing. Each scenario drives the engine through
	its public operations only, so everything it creates is exactly what a
	client could have created through the API.

AVAILABLE SCENARIOS:

	on-time-borrower:    Flat loan repaid on every due date so far
	backdated-repayment: Repayment entered late, later ones replayed
	reversed-repayment:  First repayment reversed, the rest re-allocated
	charge-off:          Delinquent loan charged off, then a recovery
	bnpl-down-payment:   Buy-now-pay-later loan with automatic down payment
	periodic-accrual:    Accrual-based loan with interest accrued to date

HOW SCENARIOS WORK:
 1. Dates are anchored to the business date so nothing lands in the future
 2. Create and approve the loan
 3. Disburse
 4. Submit transactions, possibly out of order
 5. Reverse or charge off where the scenario calls for it

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "backdated-repayment"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description and loader

NOTE:

	Scenarios never reset the database. Every load creates new loans whose
	external ids carry a random suffix.

SEE ALSO:
  - handlers.go: Loan and transaction handlers
  - configs/products.toml: Products the scenarios use
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(ctx context.Context, b *scenarioBuilder) error

type scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	load        scenarioLoader
}

var scenarios = []scenario{
	{
		ID:          "on-time-borrower",
		Name:        "On-time borrower",
		Description: "Flat-interest cash loan of 10000 repaid in full on every due date so far",
		load:        loadOnTimeBorrower,
	},
	{
		ID:          "backdated-repayment",
		Name:        "Backdated repayment",
		Description: "A repayment is entered after a later one; the later one is replayed",
		load:        loadBackdatedRepayment,
	},
	{
		ID:          "reversed-repayment",
		Name:        "Reversed repayment",
		Description: "The first of two repayments bounces and is reversed",
		load:        loadReversedRepayment,
	},
	{
		ID:          "charge-off",
		Name:        "Charge-off and recovery",
		Description: "One repayment, then the loan is charged off and the borrower pays again",
		load:        loadChargeOff,
	},
	{
		ID:          "bnpl-down-payment",
		Name:        "BNPL with down payment",
		Description: "Buy-now-pay-later purchase with a 25% down payment taken at disbursement",
		load:        loadBNPL,
	},
	{
		ID:          "periodic-accrual",
		Name:        "Periodic accrual",
		Description: "Declining-balance loan with interest accrued through the business date",
		load:        loadPeriodicAccrual,
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ScenarioLoan struct {
	ID         int64       `json:"id"`
	ExternalID string      `json:"externalId"`
	ProductID  string      `json:"productId"`
	Status     loan.Status `json:"status"`
}

type LoadScenarioResponse struct {
	ScenarioID string         `json:"scenarioId"`
	Loans      []ScenarioLoan `json:"loans"`
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, codeUnknownScenario, fmt.Sprintf("unknown scenario %q", req.ScenarioID))
		return
	}

	b := &scenarioBuilder{
		engine: h.Engine,
		today:  h.Engine.Today(),
		prefix: sc.ID + "-" + uuid.NewString()[:8],
	}
	if err := sc.load(r.Context(), b); err != nil {
		h.log.Warn("scenario load failed", zap.String("scenario", sc.ID), zap.Error(err))
		h.writeError(w, err)
		return
	}

	resp := LoadScenarioResponse{ScenarioID: sc.ID, Loans: []ScenarioLoan{}}
	for _, ref := range b.loans {
		view, err := h.Engine.GetLoan(r.Context(), ref)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp.Loans = append(resp.Loans, ScenarioLoan{
			ID:         view.Account.ID,
			ExternalID: view.Account.ExternalID,
			ProductID:  view.Account.ProductID,
			Status:     view.Account.Status,
		})
	}
	h.log.Info("scenario loaded", zap.String("scenario", sc.ID), zap.Int("loans", len(resp.Loans)))
	writeJSON(w, http.StatusCreated, resp)
}

// =============================================================================
// BUILDER
// =============================================================================

// scenarioBuilder is a thin helper over the engine that remembers the loans
// it created and numbers external ids.
type scenarioBuilder struct {
	engine *loan.Engine
	today  calendar.Date
	prefix string
	loans  []loan.Ref
	seq    int
}

func (b *scenarioBuilder) nextExternalID(kind string) string {
	b.seq++
	return fmt.Sprintf("%s-%s-%d", b.prefix, kind, b.seq)
}

// activeLoan creates, approves and disburses a loan in full on the given date.
func (b *scenarioBuilder) activeLoan(ctx context.Context, productID, principal string, on calendar.Date) (loan.Ref, error) {
	amount := money.MustParse(principal)
	acct, err := b.engine.CreateLoan(ctx, loan.Application{
		ExternalID:             b.nextExternalID("loan"),
		ProductID:              productID,
		Principal:              amount,
		SubmittedOn:            on,
		ExpectedDisbursementOn: on,
	})
	if err != nil {
		return loan.Ref{}, err
	}
	ref := loan.ByID(acct.ID)
	b.loans = append(b.loans, ref)

	if _, err := b.engine.Approve(ctx, ref, on); err != nil {
		return ref, err
	}
	_, err = b.submit(ctx, ref, event.Disbursement, on, principal)
	return ref, err
}

func (b *scenarioBuilder) submit(ctx context.Context, ref loan.Ref, typ event.Type, on calendar.Date, amount string) (*loan.TransactionResult, error) {
	cmd := loan.Command{
		Type:       typ,
		Date:       on,
		ExternalID: b.nextExternalID("tx"),
	}
	if amount != "" {
		cmd.Amount = money.MustParse(amount)
	}
	return b.engine.SubmitTransaction(ctx, ref, cmd)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// flat-cash: 10000 over 5 repayments every 2 months, 200 interest per
// period, so every installment is 2200.

func loadOnTimeBorrower(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddMonths(-7)
	ref, err := b.activeLoan(ctx, "flat-cash", "10000", start)
	if err != nil {
		return err
	}
	for _, months := range []int{2, 4, 6} {
		if _, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(months), "2200"); err != nil {
			return err
		}
	}
	return nil
}

func loadBackdatedRepayment(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddMonths(-5)
	ref, err := b.activeLoan(ctx, "flat-cash", "10000", start)
	if err != nil {
		return err
	}
	if _, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(4), "2200"); err != nil {
		return err
	}
	_, err = b.submit(ctx, ref, event.Repayment, start.AddMonths(2), "2200")
	return err
}

func loadReversedRepayment(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddMonths(-5)
	ref, err := b.activeLoan(ctx, "flat-cash", "10000", start)
	if err != nil {
		return err
	}
	first, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(2), "2200")
	if err != nil {
		return err
	}
	if _, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(4), "2200"); err != nil {
		return err
	}
	reversedOn := start.AddMonths(4).AddDays(1)
	_, err = b.engine.ReverseTransaction(ctx, ref, loan.ByID(first.ID), &reversedOn, nil)
	return err
}

func loadChargeOff(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddMonths(-8)
	ref, err := b.activeLoan(ctx, "flat-cash", "10000", start)
	if err != nil {
		return err
	}
	if _, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(2), "2200"); err != nil {
		return err
	}
	if _, err := b.submit(ctx, ref, event.ChargeOff, start.AddMonths(7), ""); err != nil {
		return err
	}
	_, err = b.submit(ctx, ref, event.Repayment, b.today, "500")
	return err
}

func loadBNPL(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddDays(-20)
	ref, err := b.activeLoan(ctx, "bnpl", "1200", start)
	if err != nil {
		return err
	}
	_, err = b.submit(ctx, ref, event.Repayment, start.AddDays(15), "300")
	return err
}

func loadPeriodicAccrual(ctx context.Context, b *scenarioBuilder) error {
	start := b.today.AddMonths(-3)
	ref, err := b.activeLoan(ctx, "declining-accrual", "12000", start)
	if err != nil {
		return err
	}
	if _, err := b.submit(ctx, ref, event.Repayment, start.AddMonths(1), "1066.19"); err != nil {
		return err
	}
	_, err = b.engine.RunAccruals(ctx, b.today, []int64{b.loans[len(b.loans)-1].ID})
	return err
}
