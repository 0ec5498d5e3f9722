/*
Package factory provides TOML to Go loan product conversion.

PURPOSE:
  Converts a TOML catalog of GL accounts and loan products into an
  accounting.Chart and validated loan.Product values. Products change
  without code changes: finance edits the catalog, the factory builds the
  structs the engine reads.

TOML SCHEMA:
  [[gl_accounts]]
  id = 1
  code = "10100"
  name = "Fund source"
  category = "ASSET"

  [[products]]
  id = "flat"
  name = "Flat 1% monthly"
  currency = "USD"
  digits = 2
  accounting_rule = "CASH_BASED"
  allocation_order = ["PENALTY", "FEE", "INTEREST", "PRINCIPAL"]
  multi_disburse = false

  [products.schedule]
  number_of_repayments = 5
  repayment_every = 2
  repayment_unit = "MONTHS"
  interest_rate_per_period = "1"
  interest_rate_frequency = "PER_MONTH"
  amortization = "EQUAL_PRINCIPAL"
  interest = "FLAT"
  days_in_month = "actual"
  days_in_year = "actual"
  repayment_start = "DISBURSEMENT_DATE"

  [products.schedule.down_payment]
  enabled = true
  percentage = "25"
  auto_repay = true

  [products.accounts]
  fund_source = 1
  loan_portfolio = 2
  ...

KEY FEATURES:
  - Rates and percentages are decimal strings, never floats
  - Sets defaults (digits 2, actual/actual, repayment from disbursement)
  - Validates every product against the chart before the engine sees it

USAGE:
  catalog, err := factory.LoadCatalog("products.toml")
  engine := loan.NewEngine(store, catalog)

SEE ALSO:
  - loan/product.go: Product type definition
  - accounting/accounts.go: Chart and Mapping
*/
package factory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/loan"
	"github.com/warp/loan-ledger/money"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// TOML SCHEMA TYPES
// =============================================================================

// CatalogTOML is the file layout.
type CatalogTOML struct {
	GLAccounts []GLAccountTOML `toml:"gl_accounts"`
	Products   []ProductTOML   `toml:"products"`
}

type GLAccountTOML struct {
	ID       int64  `toml:"id"`
	Code     string `toml:"code"`
	Name     string `toml:"name"`
	Category string `toml:"category"`
}

// ProductTOML is the TOML representation of a loan product.
type ProductTOML struct {
	ID              string             `toml:"id"`
	Name            string             `toml:"name"`
	Currency        string             `toml:"currency"`
	Digits          *int32             `toml:"digits"`
	AccountingRule  string             `toml:"accounting_rule"`
	AllocationOrder []string           `toml:"allocation_order"`
	MultiDisburse   bool               `toml:"multi_disburse"`
	Schedule        ScheduleTOML       `toml:"schedule"`
	Accounts        accounting.Mapping `toml:"accounts"`
}

type ScheduleTOML struct {
	NumberOfRepayments    int             `toml:"number_of_repayments"`
	RepaymentEvery        int             `toml:"repayment_every"`
	RepaymentUnit         string          `toml:"repayment_unit"`
	InterestRatePerPeriod string          `toml:"interest_rate_per_period"`
	InterestRateFrequency string          `toml:"interest_rate_frequency"`
	Amortization          string          `toml:"amortization"`
	Interest              string          `toml:"interest"`
	DaysInMonth           string          `toml:"days_in_month"`
	DaysInYear            string          `toml:"days_in_year"`
	RepaymentStart        string          `toml:"repayment_start"`
	DownPayment           DownPaymentTOML `toml:"down_payment"`
}

type DownPaymentTOML struct {
	Enabled    bool   `toml:"enabled"`
	Percentage string `toml:"percentage"`
	AutoRepay  bool   `toml:"auto_repay"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a validated, read-only loan.ProductSource.
type Catalog struct {
	chart    *accounting.Chart
	accounts []accounting.GLAccount
	products map[string]loan.Product
}

var _ loan.ProductSource = (*Catalog)(nil)

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read product catalog %s: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog parses TOML into a Catalog. Every product must validate.
func ParseCatalog(data []byte) (*Catalog, error) {
	var ct CatalogTOML
	if err := toml.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("failed to parse product catalog: %w", err)
	}
	return FromTOML(ct)
}

func FromTOML(ct CatalogTOML) (*Catalog, error) {
	c := &Catalog{products: make(map[string]loan.Product, len(ct.Products))}

	seen := map[int64]bool{}
	for _, a := range ct.GLAccounts {
		if a.ID <= 0 {
			return nil, fmt.Errorf("gl account %q: id must be positive", a.Code)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("gl account %d defined twice", a.ID)
		}
		seen[a.ID] = true
		cat, err := parseCategory(a.Category)
		if err != nil {
			return nil, fmt.Errorf("gl account %d: %w", a.ID, err)
		}
		c.accounts = append(c.accounts, accounting.GLAccount{ID: a.ID, Code: a.Code, Name: a.Name, Category: cat})
	}
	c.chart = accounting.NewChart(c.accounts...)

	for _, pt := range ct.Products {
		p, err := ProductFromTOML(pt)
		if err != nil {
			return nil, err
		}
		if _, dup := c.products[p.ID]; dup {
			return nil, fmt.Errorf("product %s defined twice", p.ID)
		}
		if err := p.Validate(c.chart); err != nil {
			return nil, err
		}
		c.products[p.ID] = p
	}
	return c, nil
}

// ProductFromTOML converts one product and fills defaults. It does not
// check GL accounts.
func ProductFromTOML(pt ProductTOML) (loan.Product, error) {
	if pt.ID == "" {
		return loan.Product{}, fmt.Errorf("product id is required")
	}
	fail := func(err error) (loan.Product, error) {
		return loan.Product{}, fmt.Errorf("product %s: %w", pt.ID, err)
	}

	p := loan.Product{
		ID:            pt.ID,
		Name:          pt.Name,
		Currency:      pt.Currency,
		Digits:        2,
		Accounts:      pt.Accounts,
		MultiDisburse: pt.MultiDisburse,
	}
	if p.Name == "" {
		p.Name = pt.ID
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if pt.Digits != nil {
		p.Digits = *pt.Digits
	}

	rule, err := accounting.ParseRule(pt.AccountingRule)
	if err != nil {
		return fail(err)
	}
	p.Rule = rule

	for _, name := range pt.AllocationOrder {
		comp, err := schedule.ParseComponent(name)
		if err != nil {
			return fail(err)
		}
		p.AllocationOrder = append(p.AllocationOrder, comp)
	}

	params, err := scheduleParams(pt.Schedule)
	if err != nil {
		return fail(err)
	}
	p.Schedule = params
	return p, nil
}

func scheduleParams(st ScheduleTOML) (schedule.Params, error) {
	params := schedule.Params{
		NumberOfRepayments:    st.NumberOfRepayments,
		RepaymentEvery:        st.RepaymentEvery,
		RepaymentUnit:         money.PeriodUnit(upperOr(st.RepaymentUnit, string(money.Months))),
		InterestRateFrequency: money.RateFrequency(upperOr(st.InterestRateFrequency, string(money.PerMonth))),
		Amortization:          schedule.AmortizationType(upperOr(st.Amortization, string(schedule.EqualInstallment))),
		Interest:              schedule.InterestType(upperOr(st.Interest, string(schedule.DecliningBalance))),
		RepaymentStart:        schedule.RepaymentStart(upperOr(st.RepaymentStart, string(schedule.FromDisbursementDate))),
	}

	rate, err := decimalOrZero(st.InterestRatePerPeriod)
	if err != nil {
		return params, fmt.Errorf("interest rate: %w", err)
	}
	params.InterestRatePerPeriod = rate

	if params.DayCount.DaysInMonth, err = money.ParseDaysInMonth(st.DaysInMonth); err != nil {
		return params, err
	}
	if params.DayCount.DaysInYear, err = money.ParseDaysInYear(st.DaysInYear); err != nil {
		return params, err
	}

	if st.DownPayment.Enabled {
		pct, err := decimalOrZero(st.DownPayment.Percentage)
		if err != nil {
			return params, fmt.Errorf("down payment percentage: %w", err)
		}
		params.DownPayment = schedule.DownPayment{
			Enabled:    true,
			Percentage: pct,
			AutoRepay:  st.DownPayment.AutoRepay,
		}
	}
	return params, nil
}

// Product implements loan.ProductSource.
func (c *Catalog) Product(_ context.Context, id string) (loan.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return loan.Product{}, fmt.Errorf("%w: %s", loan.ErrProductNotFound, id)
	}
	return p, nil
}

// Products returns all products sorted by id.
func (c *Catalog) Products() []loan.Product {
	out := make([]loan.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Chart() *accounting.Chart { return c.chart }

// GLAccounts returns the chart in file order.
func (c *Catalog) GLAccounts() []accounting.GLAccount { return c.accounts }

// =============================================================================
// HELPERS
// =============================================================================

func parseCategory(s string) (accounting.Category, error) {
	switch cat := accounting.Category(upperOr(s, "")); cat {
	case accounting.Asset, accounting.Liability, accounting.Income, accounting.Expense, accounting.Equity:
		return cat, nil
	}
	return "", fmt.Errorf("unknown gl account category %q", s)
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func upperOr(s, def string) string {
	if s == "" {
		return def
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
