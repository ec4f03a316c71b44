// Package amount converts between human-readable token amounts and 18-decimal
// integer base units, and does arithmetic on the integer form.
//
// Every magnitude is held as a *big.Int of base units. Display strings are only
// produced at the edges (FromBaseUnits, FormatDisplay) and are never parsed back
// for further arithmetic.
package amount

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

const (
	// BaseDecimals is the number of fractional digits folded into one display unit.
	BaseDecimals = 18
	// DefaultDisplayDecimals is used by FromBaseUnitsDefault and most API responses.
	DefaultDisplayDecimals = 4
	// FactorDecimals is the precision a Multiply factor is truncated to.
	FactorDecimals = 4
)

var (
	ErrInvalidAmountFormat = errors.New("invalid amount format")
	ErrNegativeAmount      = errors.New("amount cannot be negative")
	ErrAmountTooLarge      = errors.New("amount too large")
)

// MaxInputAmount is the largest value ValidateInput accepts from a form field.
var MaxInputAmount = decimal.NewFromInt(1_000_000)

var (
	baseUnitPattern = regexp.MustCompile(`^\d+$`)
	patternCache    sync.Map // int -> *regexp.Regexp
	factorScale     = big.NewInt(10_000)
	maxUint256      = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func amountPattern(maxDecimals int) *regexp.Regexp {
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	if re, ok := patternCache.Load(maxDecimals); ok {
		return re.(*regexp.Regexp)
	}
	expr := `^\d+$`
	if maxDecimals > 0 {
		expr = fmt.Sprintf(`^\d+(\.\d{1,%d})?$`, maxDecimals)
	}
	re := regexp.MustCompile(expr)
	patternCache.Store(maxDecimals, re)
	return re
}

// IsValidAmount reports whether s is a plain non-negative decimal with at most
// maxDecimals fractional digits. Signs, exponents, separators and a bare "." are rejected.
func IsValidAmount(s string, maxDecimals int) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return amountPattern(maxDecimals).MatchString(s)
}

// ToBaseUnits converts a display amount ("150.5") to its base-unit integer string.
// An empty string is zero.
func ToBaseUnits(s string) (string, error) {
	x, err := parseDisplay(s)
	if err != nil {
		return "", err
	}
	return x.String(), nil
}

// ToBaseUnitsValue is ToBaseUnits for loosely typed input such as decoded JSON.
// nil is zero.
func ToBaseUnitsValue(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "0", nil
	case string:
		return ToBaseUnits(val)
	case json.Number:
		return ToBaseUnits(val.String())
	case decimal.Decimal:
		if val.IsNegative() {
			return "", fmt.Errorf("%w: %s", ErrInvalidAmountFormat, val.String())
		}
		return ToBaseUnits(val.String())
	case int:
		return ToBaseUnitsValue(int64(val))
	case int32:
		return ToBaseUnitsValue(int64(val))
	case int64:
		if val < 0 {
			return "", fmt.Errorf("%w: %d", ErrInvalidAmountFormat, val)
		}
		return ToBaseUnits(strconv.FormatInt(val, 10))
	case uint:
		return ToBaseUnits(strconv.FormatUint(uint64(val), 10))
	case uint64:
		return ToBaseUnits(strconv.FormatUint(val, 10))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) || val < 0 {
			return "", fmt.Errorf("%w: %v", ErrInvalidAmountFormat, val)
		}
		return ToBaseUnits(decimal.NewFromFloat(val).String())
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidAmountFormat, v)
	}
}

// FromBaseUnits renders a base-unit integer string with displayDecimals fractional
// digits, rounding half away from zero. Malformed input renders as zero.
func FromBaseUnits(s string, displayDecimals int) string {
	if displayDecimals < 0 {
		displayDecimals = DefaultDisplayDecimals
	}
	x, err := parseBaseUnits(s)
	if err != nil {
		return zeroString(displayDecimals)
	}
	return decimal.NewFromBigInt(x, -BaseDecimals).StringFixed(int32(displayDecimals))
}

// FromBaseUnitsDefault is FromBaseUnits with DefaultDisplayDecimals.
func FromBaseUnitsDefault(s string) string {
	return FromBaseUnits(s, DefaultDisplayDecimals)
}

// Normalize renders base units as the shortest exact display amount, so
// 150500000000000000000 becomes "150.5". Malformed input renders as "0".
func Normalize(s string) string {
	x, err := parseBaseUnits(s)
	if err != nil {
		return "0"
	}
	return render(x, false)
}

// DBToBaseUnits converts a NUMERIC column value in display units to base units.
func DBToBaseUnits(v any) (string, error) {
	return ToBaseUnitsValue(v)
}

// BaseUnitsToDB renders base units with full precision for storage in a display-unit column.
func BaseUnitsToDB(s string) string {
	return FromBaseUnits(s, BaseDecimals)
}

// MaxSafeAmount is the largest uint256 in display form with the given precision.
func MaxSafeAmount(displayDecimals int) string {
	return FromBaseUnits(maxUint256.String(), displayDecimals)
}

// Add returns a+b. With isBaseUnit the inputs and result are base-unit integers;
// otherwise they are display amounts and the result is the exact normalized sum.
func Add(a, b string, isBaseUnit bool) (string, error) {
	x, y, err := operands(a, b, isBaseUnit)
	if err != nil {
		return "", err
	}
	return render(new(big.Int).Add(x, y), isBaseUnit), nil
}

// Subtract returns a-b and fails with ErrNegativeAmount when b > a.
func Subtract(a, b string, isBaseUnit bool) (string, error) {
	x, y, err := operands(a, b, isBaseUnit)
	if err != nil {
		return "", err
	}
	diff := new(big.Int).Sub(x, y)
	if diff.Sign() < 0 {
		return "", fmt.Errorf("%w: %s - %s", ErrNegativeAmount, a, b)
	}
	return render(diff, isBaseUnit), nil
}

// Multiply returns amount*factor. The factor is truncated to FactorDecimals places
// and the product is truncated to a whole base unit, so the result never exceeds
// the exact product and is at most one base unit plus amount*0.0001 below it.
func Multiply(amount, factor string, isBaseUnit bool) (string, error) {
	x, err := magnitude(amount, isBaseUnit)
	if err != nil {
		return "", err
	}
	f, err := decimal.NewFromString(strings.TrimSpace(factor))
	if err != nil || f.IsNegative() {
		return "", fmt.Errorf("%w: factor %q", ErrInvalidAmountFormat, factor)
	}
	scaled := f.Shift(FactorDecimals).Truncate(0).BigInt()
	product := new(big.Int).Mul(x, scaled)
	product.Quo(product, factorScale)
	return render(product, isBaseUnit), nil
}

// Compare returns -1, 0 or 1. Empty operands are zero.
func Compare(a, b string, isBaseUnit bool) (int, error) {
	x, y, err := operands(a, b, isBaseUnit)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// BigInt parses a base-unit integer string. Empty is zero.
func BigInt(s string) (*big.Int, error) {
	return parseBaseUnits(s)
}

// FormatDisplay renders amount with thousands separators and exactly decimals
// fractional digits. It never fails; unparseable input renders as zero.
func FormatDisplay(amount string, decimals int, isBaseUnit bool) string {
	if decimals < 0 {
		decimals = DefaultDisplayDecimals
	}
	var fixed string
	if isBaseUnit {
		fixed = FromBaseUnits(amount, decimals)
	} else {
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return zeroString(decimals)
		}
		fixed = d.StringFixed(int32(decimals))
	}
	return groupThousands(fixed)
}

// ValidateInput checks a form field value. Empty is accepted so optional fields
// can be left blank; the returned error carries a user-facing message.
func ValidateInput(value string, maxDecimals int) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: amount cannot be negative", ErrInvalidAmountFormat)
	}
	if !IsValidAmount(value, maxDecimals) {
		return fmt.Errorf("%w: use numbers only with up to %d decimal places", ErrInvalidAmountFormat, maxDecimals)
	}
	if decimal.RequireFromString(value).GreaterThan(MaxInputAmount) {
		return fmt.Errorf("%w: maximum is 1,000,000", ErrAmountTooLarge)
	}
	return nil
}

// FormatInput strips everything but digits and decimal points from a raw field
// value and keeps only the first point.
func FormatInput(value string) string {
	var b strings.Builder
	seenPoint := false
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !seenPoint:
			seenPoint = true
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseDisplay(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if !IsValidAmount(s, BaseDecimals) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmountFormat, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmountFormat, s)
	}
	return d.Shift(BaseDecimals).BigInt(), nil
}

func parseBaseUnits(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if !baseUnitPattern.MatchString(s) {
		return nil, fmt.Errorf("%w: base units %q", ErrInvalidAmountFormat, s)
	}
	x, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: base units %q", ErrInvalidAmountFormat, s)
	}
	return x, nil
}

func magnitude(s string, isBaseUnit bool) (*big.Int, error) {
	if isBaseUnit {
		return parseBaseUnits(s)
	}
	return parseDisplay(s)
}

func operands(a, b string, isBaseUnit bool) (*big.Int, *big.Int, error) {
	x, err := magnitude(a, isBaseUnit)
	if err != nil {
		return nil, nil, err
	}
	y, err := magnitude(b, isBaseUnit)
	if err != nil {
		return nil, nil, err
	}
	return x, y, nil
}

func render(x *big.Int, isBaseUnit bool) string {
	if isBaseUnit {
		return x.String()
	}
	return decimal.NewFromBigInt(x, -BaseDecimals).String()
}

func zeroString(decimals int) string {
	if decimals <= 0 {
		return "0"
	}
	return "0." + strings.Repeat("0", decimals)
}

func groupThousands(fixed string) string {
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}
