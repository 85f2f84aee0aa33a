package condition

import (
	"fmt"

	"partners-controlplane/pkg/errutil"
)

type Attribute string

const (
	TotalLeads          Attribute = "totalLeads"
	TotalConversions    Attribute = "totalConversions"
	TotalSaleAmount     Attribute = "totalSaleAmount"
	TotalCommissions    Attribute = "totalCommissions"
	TotalClicks         Attribute = "totalClicks"
	TotalSales          Attribute = "totalSales"
	PartnerEnrolledDays Attribute = "partnerEnrolledDays"
)

// AllAttributes is the closed set of attributes a condition may reference.
var AllAttributes = []Attribute{
	TotalLeads,
	TotalConversions,
	TotalSaleAmount,
	TotalCommissions,
	TotalClicks,
	TotalSales,
	PartnerEnrolledDays,
}

func (a Attribute) Valid() bool {
	for _, known := range AllAttributes {
		if a == known {
			return true
		}
	}
	return false
}

// Currency reports whether values of the attribute are minor currency units.
func (a Attribute) Currency() bool {
	return a == TotalSaleAmount || a == TotalCommissions
}

type Operator string

const (
	Gte Operator = "gte"
	Lte Operator = "lte"
	Gt  Operator = "gt"
	Lt  Operator = "lt"
	Eq  Operator = "eq"
)

func (o Operator) symbol() (string, bool) {
	switch o {
	case Gte:
		return ">=", true
	case Lte:
		return "<=", true
	case Gt:
		return ">", true
	case Lt:
		return "<", true
	case Eq:
		return "==", true
	default:
		return "", false
	}
}

// Condition compares one partner attribute with a constant.
type Condition struct {
	Attribute Attribute `json:"attribute"`
	Operator  Operator  `json:"operator"`
	Value     int64     `json:"value"`
}

func (c Condition) Validate() error {
	if !c.Attribute.Valid() {
		return errutil.ValidationFailed(fmt.Sprintf("unsupported attribute %q", c.Attribute), nil)
	}
	if _, ok := c.Operator.symbol(); !ok {
		return errutil.ValidationFailed(fmt.Sprintf("unsupported operator %q", c.Operator), nil)
	}
	return nil
}

func (c Condition) expression() string {
	sym, _ := c.Operator.symbol()
	return fmt.Sprintf("%s %s %d", c.Attribute, sym, c.Value)
}

func (c Condition) String() string {
	return c.expression()
}

// Attributes is a partner's metric context. A missing key and a nil value both
// mean "unknown".
type Attributes map[Attribute]*int64

// Int returns a pointer to v, for building Attributes literals.
func Int(v int64) *int64 {
	return &v
}

// With returns a copy of a with attr set to v.
func (a Attributes) With(attr Attribute, v int64) Attributes {
	out := make(Attributes, len(a)+1)
	for k, val := range a {
		out[k] = val
	}
	out[attr] = Int(v)
	return out
}

// Value returns the attribute value and whether it is known.
func (a Attributes) Value(attr Attribute) (int64, bool) {
	v, ok := a[attr]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}
