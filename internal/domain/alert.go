package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Operator string

const (
	OperatorBelow  Operator = "below"
	OperatorAbove  Operator = "above"
	OperatorEquals Operator = "equals"
)

func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OperatorBelow, OperatorAbove, OperatorEquals:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, s)
}

// Holds reports whether value breaches threshold under the operator.
// Boundary values only match equals.
func (o Operator) Holds(value, threshold float64) bool {
	switch o {
	case OperatorBelow:
		return value < threshold
	case OperatorAbove:
		return value > threshold
	case OperatorEquals:
		return value == threshold
	}
	return false
}

// AlertRule is scoped to the lifetime of its owning connection.
type AlertRule struct {
	ID        uuid.UUID `json:"id"`
	ConnID    ConnID    `json:"-"`
	Topic     string    `json:"topic"`
	Operator  Operator  `json:"operator"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

type AlertTrigger struct {
	Rule  AlertRule `json:"rule"`
	Value float64   `json:"value"`
}
