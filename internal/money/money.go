// Package money handles currency amounts in minor units (cents).
//
// Amounts cross the API and the database as fixed-point decimal strings with
// two fraction digits ("100.00"); inside the process they are int64 minor
// units so no floating point ever touches a price.
package money

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// BasisPointsDenominator is 100% expressed in basis points.
const BasisPointsDenominator = 10000

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrTooManyDigits  = errors.New("amount has more than two fraction digits")
	ErrNonPositive    = errors.New("amount must be greater than zero")
	ErrInvalidPercent = errors.New("commission must be between 0 and 10000 basis points")
)

// Parse converts a decimal string like "100.5" into minor units (10050).
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// ParsePositive is Parse that also rejects zero and negative amounts.
func ParsePositive(s string) (int64, error) {
	minor, err := Parse(s)
	if err != nil {
		return 0, err
	}
	if minor <= 0 {
		return 0, ErrNonPositive
	}
	return minor, nil
}

// FromDecimal converts a decimal to minor units, rejecting sub-cent precision.
func FromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrTooManyDigits
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidAmount)
	}
	return shifted.IntPart(), nil
}

// Format renders minor units as a two-digit decimal string (10050 → "100.50").
func Format(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// Decimal returns minor units as a decimal value.
func Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// AtLeast returns amount, raised to floor when it is below it.
func AtLeast(amount, floor int64) int64 {
	if amount < floor {
		return floor
	}
	return amount
}

// Split is the division of a captured amount between platform and professional.
type Split struct {
	Total             int64 `json:"total"`
	Commission        int64 `json:"commission"`
	ProfessionalShare int64 `json:"professionalShare"`
}

// SplitCommission divides total by a commission rate in basis points.
// The professional share is rounded down and the commission absorbs the
// remainder, so Commission + ProfessionalShare == Total always holds.
func SplitCommission(total int64, commissionBPS int) (Split, error) {
	if commissionBPS < 0 || commissionBPS > BasisPointsDenominator {
		return Split{}, ErrInvalidPercent
	}
	if total < 0 {
		return Split{}, ErrNonPositive
	}
	share := decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(int64(BasisPointsDenominator - commissionBPS))).
		Div(decimal.NewFromInt(BasisPointsDenominator)).
		Floor().
		IntPart()
	return Split{
		Total:             total,
		Commission:        total - share,
		ProfessionalShare: share,
	}, nil
}

// Amount is a currency amount in minor units that travels as a decimal
// string in JSON ("100.00").
type Amount int64

// Minor returns the amount in minor units.
func (a Amount) Minor() int64 { return int64(a) }

func (a Amount) String() string { return Format(int64(a)) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Format(int64(a)))
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Accept bare JSON numbers too.
		var d decimal.Decimal
		if derr := d.UnmarshalJSON(b); derr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
		}
		minor, ferr := FromDecimal(d)
		if ferr != nil {
			return ferr
		}
		*a = Amount(minor)
		return nil
	}
	minor, err := Parse(s)
	if err != nil {
		return err
	}
	*a = Amount(minor)
	return nil
}
