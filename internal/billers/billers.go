// Package billers holds the bill payment catalog: the services a customer can
// pay through the bill upstream, with per-service amount bounds and coverage.
package billers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Known catalog categories.
const (
	CategoryAirtime     = "airtime"
	CategoryData        = "data"
	CategoryTV          = "tv"
	CategoryElectricity = "electricity"
)

var (
	ErrBillerNotFound   = errors.New("billers: biller not found")
	ErrAmountOutOfRange = errors.New("billers: amount out of range")
)

// Biller is one payable service.
type Biller struct {
	ID            string           `json:"id"`
	ServiceID     string           `json:"service_id"`
	Name          string           `json:"name"`
	Category      string           `json:"category"`
	States        []string         `json:"states,omitempty"` // Empty means nationwide
	MinAmount     *decimal.Decimal `json:"min_amount_ngn,omitempty"`
	MaxAmount     *decimal.Decimal `json:"max_amount_ngn,omitempty"`
	RequiresMeter bool             `json:"requires_meter"`
}

// ServesState reports whether the biller covers the given state. Billers with
// no state list serve nationwide.
func (b Biller) ServesState(state string) bool {
	if len(b.States) == 0 {
		return true
	}
	state = strings.ToLower(strings.TrimSpace(state))
	for _, s := range b.States {
		if strings.ToLower(s) == state {
			return true
		}
	}
	return false
}

// ValidateAmount checks the NGN amount against the biller's bounds.
func (b Biller) ValidateAmount(amount decimal.Decimal) error {
	if b.MinAmount != nil && amount.LessThan(*b.MinAmount) {
		return fmt.Errorf("%w: minimum for %s is %s NGN", ErrAmountOutOfRange, b.ServiceID, b.MinAmount)
	}
	if b.MaxAmount != nil && amount.GreaterThan(*b.MaxAmount) {
		return fmt.Errorf("%w: maximum for %s is %s NGN", ErrAmountOutOfRange, b.ServiceID, b.MaxAmount)
	}
	return nil
}

// Filter narrows catalog listings. Zero values match everything.
type Filter struct {
	Category string
	State    string
}

func (f Filter) matches(b Biller) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, b.Category) {
		return false
	}
	if f.State != "" && !b.ServesState(f.State) {
		return false
	}
	return true
}

// Repository serves the catalog.
type Repository interface {
	GetBiller(ctx context.Context, id string) (Biller, error)
	ListBillers(ctx context.Context, filter Filter) ([]Biller, error)
	Close() error
}
