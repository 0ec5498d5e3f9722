/*
Package accounting maps loan events to GL account postings.

PURPOSE:
  The resolver is the only place that knows which GL account a principal,
  interest, fee or penalty amount lands on. It is a pure function of
  (accounting rule, account mapping, event); it never reads loan state.

ACCOUNTING RULES:
  NONE              no postings at all
  CASH_BASED        income recognised when cash arrives
  ACCRUAL_PERIODIC  income accrued per period into receivables
  ACCRUAL_UPFRONT   scheduled interest booked into receivables at disbursement

CHARGE-OFF:
  Before charge-off, collections credit the loan portfolio and receivables.
  After charge-off those receivables no longer exist on the books, so
  collections credit recovery income (or, for refunds, offset the
  charge-off expense).

REVERSALS:
  Never resolved here. ledger.Journal.Reverse mirrors the original batch
  regardless of which rule produced it.

SEE ALSO:
  - resolver.go: per-type posting templates
  - ledger/journal.go: posts the result
*/
package accounting

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ACCOUNTING RULE
// =============================================================================

type Rule string

const (
	None            Rule = "NONE"
	CashBased       Rule = "CASH_BASED"
	AccrualPeriodic Rule = "ACCRUAL_PERIODIC"
	AccrualUpfront  Rule = "ACCRUAL_UPFRONT"
)

func (r Rule) IsAccrual() bool { return r == AccrualPeriodic || r == AccrualUpfront }

func ParseRule(s string) (Rule, error) {
	switch r := Rule(strings.ToUpper(strings.TrimSpace(s))); r {
	case None, CashBased, AccrualPeriodic, AccrualUpfront:
		return r, nil
	case "":
		return None, nil
	}
	return "", fmt.Errorf("unknown accounting rule %q", s)
}

// =============================================================================
// GL ACCOUNTS - Read-only chart supplied by configuration
// =============================================================================

type Category string

const (
	Asset     Category = "ASSET"
	Liability Category = "LIABILITY"
	Income    Category = "INCOME"
	Expense   Category = "EXPENSE"
	Equity    Category = "EQUITY"
)

type GLAccount struct {
	ID       int64    `json:"id"`
	Code     string   `json:"code"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
}

// Chart is the set of GL accounts known to the engine.
type Chart struct {
	accounts map[int64]GLAccount
}

func NewChart(accounts ...GLAccount) *Chart {
	c := &Chart{accounts: make(map[int64]GLAccount, len(accounts))}
	for _, a := range accounts {
		c.accounts[a.ID] = a
	}
	return c
}

func (c *Chart) Lookup(id int64) (GLAccount, bool) {
	a, ok := c.accounts[id]
	return a, ok
}

func (c *Chart) Len() int { return len(c.accounts) }

// =============================================================================
// MAPPING - Role -> GL account id, per product
// =============================================================================

// Mapping assigns a GL account to every posting role a product can use.
// Zero means "not configured".
type Mapping struct {
	FundSource            int64 `toml:"fund_source" json:"fundSource"`
	LoanPortfolio         int64 `toml:"loan_portfolio" json:"loanPortfolio"`
	InterestReceivable    int64 `toml:"interest_receivable" json:"interestReceivable"`
	FeeReceivable         int64 `toml:"fee_receivable" json:"feeReceivable"`
	PenaltyReceivable     int64 `toml:"penalty_receivable" json:"penaltyReceivable"`
	InterestIncome        int64 `toml:"interest_income" json:"interestIncome"`
	FeeIncome             int64 `toml:"fee_income" json:"feeIncome"`
	PenaltyIncome         int64 `toml:"penalty_income" json:"penaltyIncome"`
	OverpaymentLiability  int64 `toml:"overpayment_liability" json:"overpaymentLiability"`
	WriteOffExpense       int64 `toml:"write_off_expense" json:"writeOffExpense"`
	GoodwillExpense       int64 `toml:"goodwill_expense" json:"goodwillExpense"`
	ChargeOffExpense      int64 `toml:"charge_off_expense" json:"chargeOffExpense"`
	ChargeOffFraudExpense int64 `toml:"charge_off_fraud_expense" json:"chargeOffFraudExpense"`
	ChargeOffInterest     int64 `toml:"income_from_charge_off_interest" json:"incomeFromChargeOffInterest"`
	ChargeOffFees         int64 `toml:"income_from_charge_off_fees" json:"incomeFromChargeOffFees"`
	ChargeOffPenalty      int64 `toml:"income_from_charge_off_penalty" json:"incomeFromChargeOffPenalty"`
	Recovery              int64 `toml:"income_from_recovery" json:"incomeFromRecovery"`
}

// ErrUnknownGLAccount is returned when a mapping references an account
// that is not in the chart, or a required role is unmapped.
var ErrUnknownGLAccount = errors.New("unknown gl account")

// Validate checks that every role the rule needs is mapped to an account
// present in the chart. Fraud expense is optional; it falls back to the
// charge-off expense account.
func (m Mapping) Validate(rule Rule, chart *Chart) error {
	if rule == None {
		return nil
	}
	required := map[string]int64{
		"fund_source":                     m.FundSource,
		"loan_portfolio":                  m.LoanPortfolio,
		"interest_income":                 m.InterestIncome,
		"fee_income":                      m.FeeIncome,
		"penalty_income":                  m.PenaltyIncome,
		"overpayment_liability":           m.OverpaymentLiability,
		"write_off_expense":               m.WriteOffExpense,
		"goodwill_expense":                m.GoodwillExpense,
		"charge_off_expense":              m.ChargeOffExpense,
		"income_from_charge_off_interest": m.ChargeOffInterest,
		"income_from_charge_off_fees":     m.ChargeOffFees,
		"income_from_charge_off_penalty":  m.ChargeOffPenalty,
		"income_from_recovery":            m.Recovery,
	}
	if rule.IsAccrual() {
		required["interest_receivable"] = m.InterestReceivable
		required["fee_receivable"] = m.FeeReceivable
		required["penalty_receivable"] = m.PenaltyReceivable
	}
	optional := map[string]int64{"charge_off_fraud_expense": m.ChargeOffFraudExpense}

	for role, id := range required {
		if id == 0 {
			return fmt.Errorf("%w: role %s is not mapped", ErrUnknownGLAccount, role)
		}
		if _, ok := chart.Lookup(id); !ok {
			return fmt.Errorf("%w: role %s -> %d", ErrUnknownGLAccount, role, id)
		}
	}
	for role, id := range optional {
		if id == 0 {
			continue
		}
		if _, ok := chart.Lookup(id); !ok {
			return fmt.Errorf("%w: role %s -> %d", ErrUnknownGLAccount, role, id)
		}
	}
	return nil
}

func (m Mapping) fraudExpense() int64 {
	if m.ChargeOffFraudExpense != 0 {
		return m.ChargeOffFraudExpense
	}
	return m.ChargeOffExpense
}
