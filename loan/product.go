package loan

import (
	"context"
	"fmt"

	"github.com/warp/loan-ledger/accounting"
	"github.com/warp/loan-ledger/schedule"
)

// =============================================================================
// PRODUCT - Pricing, accounting and allocation configuration
// =============================================================================

// Product is the read-only configuration a loan is created from.
type Product struct {
	ID       string
	Name     string
	Currency string
	Digits   int32

	// Schedule holds the pricing parameters. SubmittedOn and Digits are
	// filled per loan by Params.
	Schedule schedule.Params

	Rule     accounting.Rule
	Accounts accounting.Mapping

	// AllocationOrder is the component order within one installment.
	// Empty means schedule.DefaultAllocationOrder.
	AllocationOrder []schedule.Component

	MultiDisburse bool
}

// ProductSource resolves products by id.
type ProductSource interface {
	Product(ctx context.Context, id string) (Product, error)
}

// Validate checks pricing parameters, allocation order and GL mapping.
func (p Product) Validate(chart *accounting.Chart) error {
	params := p.Schedule
	params.Digits = p.Digits
	if err := params.Validate(); err != nil {
		return &Error{Kind: KindValidation, Code: CodeInvalidProduct, Message: fmt.Sprintf("product %s: %v", p.ID, err), Err: err}
	}
	if len(p.AllocationOrder) > 0 {
		if err := schedule.ValidateOrder(p.AllocationOrder); err != nil {
			return &Error{Kind: KindValidation, Code: CodeInvalidProduct, Message: fmt.Sprintf("product %s: %v", p.ID, err), Err: err}
		}
	}
	if chart != nil {
		if err := p.Accounts.Validate(p.Rule, chart); err != nil {
			return &Error{Kind: KindValidation, Code: CodeGLAccountInvalid, Message: fmt.Sprintf("product %s: %v", p.ID, err), Err: err}
		}
	}
	return nil
}

// Params returns the schedule parameters for one account.
func (p Product) Params(acct Account) schedule.Params {
	params := p.Schedule
	params.Digits = p.Digits
	params.SubmittedOn = acct.SubmittedOn
	return params
}

func (p Product) Order() []schedule.Component {
	if len(p.AllocationOrder) == 0 {
		return schedule.DefaultAllocationOrder
	}
	return p.AllocationOrder
}

func (p Product) Resolver() accounting.Resolver {
	return accounting.NewResolver(p.Rule, p.Accounts)
}

// StaticProducts is an in-memory ProductSource.
type StaticProducts map[string]Product

func (s StaticProducts) Product(_ context.Context, id string) (Product, error) {
	p, ok := s[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	return p, nil
}
