/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Loans, transactions,
  charges and journal entries already carry JSON tags in the domain
  packages and are returned as-is; the types here cover request bodies and
  the few responses with no domain counterpart.

NAMING CONVENTION:
  - *Request:  Request body types from clients
  - *DTO:      Response types with no domain type behind them
  - *Response: Small response wrappers

WIRE FORMATS:
  - Dates are "YYYY-MM-DD" (calendar.Date)
  - Amounts are decimal strings or JSON numbers (money.Money)
  - Transaction types are upper-case names such as "REPAYMENT"

VALIDATION:
  Decoding rejects unknown transaction types and malformed amounts or
  dates. Business validation is the engine's; handlers only translate.

SEE ALSO:
  - handlers.go: Uses these types
  - loan/types.go: Domain types returned directly
*/
package api

import (
	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/event"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// LOANS
// =============================================================================

// CreateLoanRequest submits a loan application.
type CreateLoanRequest struct {
	ExternalID               string        `json:"externalId"`
	ProductID                string        `json:"productId"`
	Principal                money.Money   `json:"principal"`
	SubmittedOnDate          calendar.Date `json:"submittedOnDate"`
	ExpectedDisbursementDate calendar.Date `json:"expectedDisbursementDate"`
}

// LoanCommandRequest is the body of POST /loans/{id}?command=...
// Missing dates default to the business date.
type LoanCommandRequest struct {
	ApprovedOnDate calendar.Date `json:"approvedOnDate"`
	ClosedOnDate   calendar.Date `json:"closedOnDate"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionRequest submits one loan transaction.
type TransactionRequest struct {
	Type              event.Type        `json:"type"`
	TransactionDate   calendar.Date     `json:"transactionDate"`
	TransactionAmount money.Money       `json:"transactionAmount"`
	ExternalID        string            `json:"externalId"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Charge payment, waiver and adjustment
	ChargeID         int64  `json:"chargeId,omitempty"`
	ChargeExternalID string `json:"chargeExternalId,omitempty"`

	// Chargeback
	RelatedTransactionID         int64  `json:"relatedTransactionId,omitempty"`
	RelatedTransactionExternalID string `json:"relatedTransactionExternalId,omitempty"`

	// Charge-off
	Fraud bool `json:"fraud,omitempty"`
}

func (r TransactionRequest) command() loan.Command {
	return loan.Command{
		Type:               r.Type,
		Date:               r.TransactionDate,
		Amount:             r.TransactionAmount,
		ExternalID:         r.ExternalID,
		ChargeRef:          loan.Ref{ID: r.ChargeID, ExternalID: r.ChargeExternalID},
		RelatedTransaction: loan.Ref{ID: r.RelatedTransactionID, ExternalID: r.RelatedTransactionExternalID},
		Fraud:              r.Fraud,
		Metadata:           r.Metadata,
	}
}

// ReverseRequest reverses a transaction. With an amount it is an
// adjustment: the transaction is replaced by one for the new amount.
type ReverseRequest struct {
	TransactionDate   *calendar.Date `json:"transactionDate,omitempty"`
	TransactionAmount *money.Money   `json:"transactionAmount,omitempty"`
}

// =============================================================================
// CHARGES
// =============================================================================

type ChargeRequest struct {
	ExternalID string        `json:"externalId"`
	Name       string        `json:"name"`
	Penalty    bool          `json:"penalty"`
	Amount     money.Money   `json:"amount"`
	DueDate    calendar.Date `json:"dueDate"`
}

func (r ChargeRequest) domain() loan.ChargeRequest {
	return loan.ChargeRequest{
		ExternalID: r.ExternalID,
		Name:       r.Name,
		Penalty:    r.Penalty,
		Amount:     r.Amount,
		DueDate:    r.DueDate,
	}
}

// =============================================================================
// PRODUCTS
// =============================================================================

// ProductDTO represents a loan product in API responses.
type ProductDTO struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Currency              string   `json:"currency"`
	Digits                int32    `json:"digitsAfterDecimal"`
	AccountingRule        string   `json:"accountingRule"`
	MultiDisburse         bool     `json:"multiDisburseLoan"`
	NumberOfRepayments    int      `json:"numberOfRepayments"`
	RepaymentEvery        int      `json:"repaymentEvery"`
	RepaymentUnit         string   `json:"repaymentFrequencyType"`
	InterestRatePerPeriod string   `json:"interestRatePerPeriod"`
	InterestRateFrequency string   `json:"interestRateFrequencyType"`
	Amortization          string   `json:"amortizationType"`
	InterestType          string   `json:"interestType"`
	DayCount              string   `json:"dayCount"`
	DownPaymentPercentage string   `json:"disbursedAmountPercentageForDownPayment,omitempty"`
	AutoRepayDownPayment  bool     `json:"enableAutoRepaymentForDownPayment,omitempty"`
	AllocationOrder       []string `json:"allocationOrder"`
}

func toProductDTO(p loan.Product) ProductDTO {
	dto := ProductDTO{
		ID:                    p.ID,
		Name:                  p.Name,
		Currency:              p.Currency,
		Digits:                p.Digits,
		AccountingRule:        string(p.Rule),
		MultiDisburse:         p.MultiDisburse,
		NumberOfRepayments:    p.Schedule.NumberOfRepayments,
		RepaymentEvery:        p.Schedule.RepaymentEvery,
		RepaymentUnit:         string(p.Schedule.RepaymentUnit),
		InterestRatePerPeriod: p.Schedule.InterestRatePerPeriod.String(),
		InterestRateFrequency: string(p.Schedule.InterestRateFrequency),
		Amortization:          string(p.Schedule.Amortization),
		InterestType:          string(p.Schedule.Interest),
		DayCount:              p.Schedule.DayCount.String(),
	}
	if p.Schedule.DownPayment.Enabled {
		dto.DownPaymentPercentage = p.Schedule.DownPayment.Percentage.String()
		dto.AutoRepayDownPayment = p.Schedule.DownPayment.AutoRepay
	}
	for _, c := range p.Order() {
		dto.AllocationOrder = append(dto.AllocationOrder, c.String())
	}
	return dto
}

// =============================================================================
// JOBS AND ERRORS
// =============================================================================

// AccrualRunRequest runs periodic accrual. Date defaults to the business
// date; an empty LoanIDs means every loan.
type AccrualRunRequest struct {
	Date    *calendar.Date `json:"date,omitempty"`
	LoanIDs []int64        `json:"loanIds,omitempty"`
}

type AccrualRunResponse struct {
	Date   calendar.Date `json:"date"`
	Booked int           `json:"booked"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
