package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Priority selects the lane an event runs in. The set is closed; every switch
// over it lists all three values.
type Priority int

const (
	PriorityHigh Priority = iota + 1
	PriorityNormal
	PriorityLow
)

// Priorities lists every lane in dispatch order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// ParsePriority accepts the lane name in any case. An empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q: %w", s, ErrValidation)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", ErrValidation)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PriorityForTopic is the lane an upstream webhook topic is processed in.
func PriorityForTopic(t EventType) Priority {
	switch t {
	case TopicOrdersCreate, TopicOrdersPaid, TopicCheckoutsCreate, TopicCheckoutsUpdate:
		return PriorityHigh
	case TopicProductsCreate, TopicProductsUpdate, TopicProductsDelete, TopicAppUninstalled:
		return PriorityLow
	default:
		return PriorityNormal
	}
}
