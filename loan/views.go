package loan

import (
	"github.com/warp/loan-ledger/money"
)

// =============================================================================
// READ MODELS
// =============================================================================

type TransactionView struct {
	Transaction
	CorrelationID string `json:"transactionCorrelationId"`
	// OriginalID is the first record of the replay chain this one belongs to.
	OriginalID int64      `json:"originalTransactionId"`
	Relations  []Relation `json:"transactionRelations,omitempty"`
}

type ChargeView struct {
	Charge
	ChargeBalance
}

// Summary totals the schedule of one loan.
type Summary struct {
	Disbursed            money.Money `json:"principalDisbursed"`
	PrincipalOutstanding money.Money `json:"principalOutstanding"`
	InterestOutstanding  money.Money `json:"interestOutstanding"`
	FeeOutstanding       money.Money `json:"feeChargesOutstanding"`
	PenaltyOutstanding   money.Money `json:"penaltyChargesOutstanding"`
	TotalOutstanding     money.Money `json:"totalOutstanding"`
	TotalPaid            money.Money `json:"totalRepayment"`
	TotalWaived          money.Money `json:"totalWaived"`
	TotalWrittenOff      money.Money `json:"totalWrittenOff"`
	Overpaid             money.Money `json:"totalOverpaid"`
}

type LoanView struct {
	Account
	Summary Summary      `json:"summary"`
	Charges []ChargeView `json:"charges"`
}

func (a *Aggregate) transactionView(tx *Transaction) TransactionView {
	return TransactionView{
		Transaction:   *tx,
		CorrelationID: tx.CorrelationID(),
		OriginalID:    a.relations.Root(tx.ID),
		Relations:     a.relations.From(tx.ID),
	}
}

func (a *Aggregate) chargeView(c Charge) ChargeView {
	bal, ok := a.chargeBalances()[c.ID]
	if !ok {
		bal = ChargeBalance{Paid: money.Zero, Waived: money.Zero, Outstanding: c.Amount}
	}
	return ChargeView{Charge: c, ChargeBalance: bal}
}

func (a *Aggregate) loanView() LoanView {
	var paid, waived, writtenOff money.Money
	for _, in := range a.Schedule.Installments {
		if !in.IsRepayment() {
			continue
		}
		paid = paid.Add(in.Paid.Total())
		waived = waived.Add(in.Waived.Total())
		writtenOff = writtenOff.Add(in.WrittenOff.Total())
	}
	out := a.Schedule.Outstanding()
	balances := a.chargeBalances()
	charges := make([]ChargeView, 0, len(a.charges))
	for _, c := range a.charges {
		bal, ok := balances[c.ID]
		if !ok {
			bal = ChargeBalance{Paid: money.Zero, Waived: money.Zero, Outstanding: c.Amount}
		}
		charges = append(charges, ChargeView{Charge: c, ChargeBalance: bal})
	}
	return LoanView{
		Account: a.Account,
		Summary: Summary{
			Disbursed:            a.disbursed(),
			PrincipalOutstanding: out.Principal,
			InterestOutstanding:  out.Interest,
			FeeOutstanding:       out.Fee,
			PenaltyOutstanding:   out.Penalty,
			TotalOutstanding:     out.Total(),
			TotalPaid:            paid,
			TotalWaived:          waived,
			TotalWrittenOff:      writtenOff,
			Overpaid:             a.Account.OverpaymentBalance,
		},
		Charges: charges,
	}
}
