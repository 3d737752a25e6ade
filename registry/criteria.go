package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"referrald/identity"
)

// Criteria kinds supported by the eligibility interpreter.
const (
	CriteriaMinStake   = "min_stake"
	CriteriaMinToken   = "min_token"
	CriteriaTimeWindow = "time_window"
	CriteriaAllOf      = "all_of"
)

// Criteria is the tagged-variant eligibility predicate attached to a
// program. It is stored as JSON on the program row and evaluated by a small
// interpreter rather than open-ended dispatch.
type Criteria struct {
	Kind      string     `json:"kind"`
	MinStake  int64      `json:"min_stake,omitempty"`
	Token     string     `json:"token,omitempty"`
	MinAmount int64      `json:"min_amount,omitempty"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	AllOf     []Criteria `json:"all_of,omitempty"`
}

// Validate checks the criteria tree for well-formedness.
func (c *Criteria) Validate() error {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case CriteriaMinStake:
		if c.MinStake <= 0 {
			return fmt.Errorf("%w: min_stake must be positive", ErrInvalidParams)
		}
	case CriteriaMinToken:
		if strings.TrimSpace(c.Token) == "" {
			return fmt.Errorf("%w: min_token requires a token symbol", ErrInvalidParams)
		}
		if c.MinAmount <= 0 {
			return fmt.Errorf("%w: min_token requires a positive amount", ErrInvalidParams)
		}
	case CriteriaTimeWindow:
		if c.NotBefore == nil && c.NotAfter == nil {
			return fmt.Errorf("%w: time_window requires a bound", ErrInvalidParams)
		}
		if c.NotBefore != nil && c.NotAfter != nil && !c.NotAfter.After(*c.NotBefore) {
			return fmt.Errorf("%w: time_window bounds inverted", ErrInvalidParams)
		}
	case CriteriaAllOf:
		if len(c.AllOf) == 0 {
			return fmt.Errorf("%w: all_of requires children", ErrInvalidParams)
		}
		for i := range c.AllOf {
			if err := c.AllOf[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown criteria kind %q", ErrInvalidParams, c.Kind)
	}
	return nil
}

// NeedsHoldings reports whether evaluating the criteria requires a holdings
// snapshot from the identity service.
func (c *Criteria) NeedsHoldings() bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case CriteriaMinStake, CriteriaMinToken:
		return true
	case CriteriaAllOf:
		for i := range c.AllOf {
			if c.AllOf[i].NeedsHoldings() {
				return true
			}
		}
	}
	return false
}

// Evaluate interprets the criteria against a holdings snapshot at the
// supplied instant. A nil snapshot fails any holdings-dependent leaf.
func (c *Criteria) Evaluate(holdings *identity.Holdings, now time.Time) bool {
	if c == nil {
		return true
	}
	switch c.Kind {
	case CriteriaMinStake:
		return holdings != nil && holdings.Stake >= c.MinStake
	case CriteriaMinToken:
		if holdings == nil {
			return false
		}
		return holdings.Tokens[strings.ToUpper(strings.TrimSpace(c.Token))] >= c.MinAmount
	case CriteriaTimeWindow:
		if c.NotBefore != nil && now.Before(*c.NotBefore) {
			return false
		}
		if c.NotAfter != nil && !now.Before(*c.NotAfter) {
			return false
		}
		return true
	case CriteriaAllOf:
		for i := range c.AllOf {
			if !c.AllOf[i].Evaluate(holdings, now) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ParseCriteria decodes the stored criteria JSON. An empty blob means the
// program has no eligibility predicate.
func ParseCriteria(raw string) (*Criteria, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	var c Criteria
	if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
		return nil, fmt.Errorf("%w: malformed criteria: %v", ErrInvalidParams, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeCriteria validates and serialises the criteria for storage.
func EncodeCriteria(c *Criteria) (string, error) {
	if c == nil {
		return "", nil
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("%w: encode criteria: %v", ErrInvalidParams, err)
	}
	return string(raw), nil
}
