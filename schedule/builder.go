package schedule

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/calendar"
	"github.com/warp/loan-ledger/money"
)

var (
	ErrInvalidTranche = errors.New("tranche amount must be positive")
	ErrNoRepaymentRow = errors.New("schedule has no repayment period")
)

type span struct {
	from, due calendar.Date
}

// =============================================================================
// GENERATION - First disbursement
// =============================================================================

// Expected is the projection shown after approval, before any money moves.
func Expected(p Params, principal money.Money, date calendar.Date) (Schedule, error) {
	s, err := Generate(p, Tranche{Amount: principal, Date: date})
	if err != nil {
		return Schedule{}, err
	}
	s.Expected = true
	return s, nil
}

// Generate builds the schedule for a first tranche: a disbursement row, an
// optional down-payment row due the same day, then NumberOfRepayments
// regular periods amortizing the rest.
func Generate(p Params, t Tranche) (Schedule, error) {
	if err := p.Validate(); err != nil {
		return Schedule{}, err
	}
	if !t.Amount.IsPositive() {
		return Schedule{}, ErrInvalidTranche
	}

	rows := []Installment{disbursementRow(t)}
	dp := p.DownPaymentFor(t.Amount)
	if dp.IsPositive() {
		rows = append(rows, downPaymentRow(t.Date, dp))
	}

	spans := p.regularSpans(t.Date)
	principals, interests := p.amortize(t.Amount.Sub(dp), spans)
	for i, sp := range spans {
		rows = append(rows, Installment{
			FromDate: sp.from,
			DueDate:  sp.due,
			Due:      Components{Principal: principals[i], Interest: interests[i]},
		})
	}

	s := Schedule{Installments: rows}
	s.finalize()
	return s, nil
}

// DownPaymentFor is amount × percentage, rounded half-up, or zero when
// down payment is disabled.
func (p Params) DownPaymentFor(amount money.Money) money.Money {
	if !p.DownPayment.Enabled || p.DownPayment.Percentage.IsZero() {
		return money.Zero
	}
	return money.Percent(amount, p.DownPayment.Percentage, p.Digits)
}

func disbursementRow(t Tranche) Installment {
	return Installment{
		FromDate:        t.Date,
		DueDate:         t.Date,
		Disbursement:    true,
		DisbursedAmount: t.Amount,
		Complete:        true,
	}
}

func downPaymentRow(date calendar.Date, amount money.Money) Installment {
	return Installment{
		FromDate:    date,
		DueDate:     date,
		DownPayment: true,
		Due:         Components{Principal: amount},
	}
}

// regularSpans counts periods from the policy-selected start date. The first
// period always starts on the disbursement date.
func (p Params) regularSpans(disbursedOn calendar.Date) []span {
	start := disbursedOn
	if p.RepaymentStart == FromSubmittedOnDate && !p.SubmittedOn.IsZero() {
		start = p.SubmittedOn
	}
	spans := make([]span, p.NumberOfRepayments)
	from := disbursedOn
	for i := range spans {
		due := money.Advance(start, (i+1)*p.RepaymentEvery, p.RepaymentUnit)
		spans[i] = span{from: from, due: due}
		from = due
	}
	return spans
}

func (p Params) periodRate(sp span) decimal.Decimal {
	return p.DayCount.PeriodRate(p.InterestRatePerPeriod, p.InterestRateFrequency, sp.from, sp.due, p.RepaymentEvery, p.RepaymentUnit)
}

// amortize splits principal over spans and computes each period's interest.
func (p Params) amortize(principal money.Money, spans []span) (principals, interests []money.Money) {
	n := len(spans)
	rates := make([]decimal.Decimal, n)
	for i, sp := range spans {
		rates[i] = p.periodRate(sp)
	}
	interests = make([]money.Money, n)

	if p.Interest == Flat {
		principals = money.Split(principal, n, p.Digits)
		if p.Amortization == EqualInstallment {
			total := money.Zero
			for _, r := range rates {
				total = total.Add(principal.MultiplyByRate(r))
			}
			return principals, money.Split(total.Round(p.Digits), n, p.Digits)
		}
		for i, r := range rates {
			interests[i] = principal.MultiplyByRate(r).Round(p.Digits)
		}
		return principals, interests
	}

	if p.Amortization == EqualPrincipal || rates[0].IsZero() {
		principals = money.Split(principal, n, p.Digits)
		balance := principal
		for i, r := range rates {
			interests[i] = balance.MultiplyByRate(r).Round(p.Digits)
			balance = balance.Sub(principals[i])
		}
		return principals, interests
	}

	// Declining balance, equal installments: annuity on the first period
	// rate; the last period takes whatever principal is left.
	principals = make([]money.Money, n)
	payment := annuityPayment(principal, rates[0], n).Round(p.Digits)
	balance := principal
	for i, r := range rates {
		interests[i] = balance.MultiplyByRate(r).Round(p.Digits)
		if i == n-1 {
			principals[i] = balance
			break
		}
		part := payment.Sub(interests[i]).NonNegative().Min(balance)
		principals[i] = part
		balance = balance.Sub(part)
	}
	return principals, interests
}

// annuityPayment is P·r·(1+r)^n / ((1+r)^n − 1).
func annuityPayment(principal money.Money, rate decimal.Decimal, n int) money.Money {
	growth := decimal.NewFromInt(1).Add(rate).Pow(decimal.NewFromInt(int64(n)))
	factor := rate.Mul(growth).Div(growth.Sub(decimal.NewFromInt(1)))
	return principal.MultiplyByRate(factor)
}

// =============================================================================
// TRANCHES - Later disbursements
// =============================================================================

// AddTranche interleaves a later disbursement (and its down payment) into
// an existing schedule and redistributes the net principal across regular
// periods that are still open: due after the tranche date and not complete.
// Complete periods are untouched; partially paid ones keep what was paid.
// With no open period left the net principal lands on the last regular
// period.
func AddTranche(s Schedule, p Params, t Tranche) (Schedule, error) {
	if s.Expected || !s.hasDisbursement() {
		return Generate(p, t)
	}
	if err := p.Validate(); err != nil {
		return Schedule{}, err
	}
	if !t.Amount.IsPositive() {
		return Schedule{}, ErrInvalidTranche
	}

	out := s.Clone()
	out.Installments = append(out.Installments, disbursementRow(t))
	dp := p.DownPaymentFor(t.Amount)
	if dp.IsPositive() {
		out.Installments = append(out.Installments, downPaymentRow(t.Date, dp))
	}
	net := t.Amount.Sub(dp)

	open := out.openRegularRows(t.Date)
	if len(open) == 0 {
		last := out.lastRegularRow()
		if last < 0 {
			return Schedule{}, ErrNoRepaymentRow
		}
		out.Installments[last].Due.Principal = out.Installments[last].Due.Principal.Add(net)
	} else {
		out.redistribute(p, open, net)
	}

	out.finalize()
	return out, nil
}

func (s Schedule) hasDisbursement() bool {
	for _, in := range s.Installments {
		if in.Disbursement {
			return true
		}
	}
	return false
}

func isRegular(in Installment) bool {
	return !in.Disbursement && !in.DownPayment && !in.Additional
}

func (s Schedule) openRegularRows(after calendar.Date) []int {
	var open []int
	for i, in := range s.Installments {
		if isRegular(in) && in.DueDate.After(after) && !in.Complete {
			open = append(open, i)
		}
	}
	return open
}

func (s Schedule) lastRegularRow() int {
	last := -1
	for i, in := range s.Installments {
		if isRegular(in) && (last < 0 || !in.DueDate.Before(s.Installments[last].DueDate)) {
			last = i
		}
	}
	return last
}

func (s *Schedule) redistribute(p Params, open []int, net money.Money) {
	pool := net
	spans := make([]span, len(open))
	settledDue := make([]money.Money, len(open))
	for k, idx := range open {
		row := s.Installments[idx]
		settledDue[k] = row.Settled().Principal.Min(row.Due.Principal)
		pool = pool.Add(row.Due.Principal.Sub(settledDue[k]))
		spans[k] = span{from: row.FromDate, due: row.DueDate}
	}

	principals, interests := p.amortize(pool, spans)
	for k, idx := range open {
		row := &s.Installments[idx]
		row.Due.Principal = settledDue[k].Add(principals[k])
		settledInterest := row.Settled().Interest
		if p.Interest == Flat {
			row.Due.Interest = row.Due.Interest.Add(net.MultiplyByRate(p.periodRate(spans[k])).Round(p.Digits))
		} else {
			row.Due.Interest = interests[k].Max(settledInterest)
		}
	}
}

// =============================================================================
// CHARGES
// =============================================================================

// ChargeRow returns the index of the row a charge due on date belongs to:
// the first regular or additional row due on or after date. -1 means the
// date is past maturity.
func (s Schedule) ChargeRow(date calendar.Date) int {
	for i, in := range s.Installments {
		if in.Disbursement || in.DownPayment {
			continue
		}
		if !in.DueDate.Before(date) {
			return i
		}
	}
	return -1
}

// AddCharge puts a fee or penalty on the row its due date falls in; a
// charge past maturity opens an additional period. Returns the row index.
func (s *Schedule) AddCharge(date calendar.Date, amount money.Money, penalty bool) (int, error) {
	if s.lastRegularRow() < 0 {
		return -1, ErrNoRepaymentRow
	}
	idx := s.ChargeRow(date)
	if idx < 0 {
		s.Installments = append(s.Installments, Installment{
			FromDate:   s.MaturityDate(),
			DueDate:    date,
			Additional: true,
		})
		s.finalize()
		idx = s.ChargeRow(date)
	}
	row := &s.Installments[idx]
	if penalty {
		row.Due.Penalty = row.Due.Penalty.Add(amount)
	} else {
		row.Due.Fee = row.Due.Fee.Add(amount)
	}
	row.refreshComplete(calendar.Date{})
	return idx, nil
}

// =============================================================================
// ORDERING
// =============================================================================

func rowRank(in Installment) int {
	switch {
	case in.Disbursement:
		return 0
	case in.DownPayment:
		return 1
	case in.Additional:
		return 3
	default:
		return 2
	}
}

// finalize sorts rows, renumbers them, recomputes running principal
// balances and completion flags.
func (s *Schedule) finalize() {
	rows := s.Installments
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		return rowRank(a) < rowRank(b)
	})

	number := 0
	balance := money.Zero
	for i := range rows {
		r := &rows[i]
		if r.Disbursement {
			r.Number = 0
			balance = balance.Add(r.DisbursedAmount)
			r.OutstandingBalance = balance
			continue
		}
		number++
		r.Number = number
		balance = balance.Sub(r.Due.Principal)
		r.OutstandingBalance = balance
		r.refreshComplete(r.ObligationsMetOn)
	}
}

func (in *Installment) refreshComplete(date calendar.Date) {
	if in.Disbursement {
		in.Complete = true
		return
	}
	if in.Outstanding().IsZero() {
		if !in.Complete || in.ObligationsMetOn.IsZero() {
			in.ObligationsMetOn = date
		}
		in.Complete = true
		return
	}
	in.Complete = false
	in.ObligationsMetOn = calendar.Date{}
}

// String renders a compact table, handy in test failures.
func (s Schedule) String() string {
	out := ""
	for _, in := range s.Installments {
		kind := "    "
		switch {
		case in.Disbursement:
			kind = "DISB"
		case in.DownPayment:
			kind = "DOWN"
		case in.Additional:
			kind = "ADDL"
		}
		out += fmt.Sprintf("%2d %s %s due P=%s I=%s F=%s Pn=%s paid=%s bal=%s complete=%v\n",
			in.Number, kind, in.DueDate, in.Due.Principal, in.Due.Interest, in.Due.Fee, in.Due.Penalty,
			in.Paid.Total(), in.OutstandingBalance, in.Complete)
	}
	return out
}
