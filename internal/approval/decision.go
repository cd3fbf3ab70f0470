package approval

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDecision is returned for answers other than approve or deny.
var ErrInvalidDecision = errors.New("invalid decision")

// Decision is the approver's answer to a Request.
type Decision string

const (
	Approve Decision = "APPROVE"
	Deny    Decision = "DENY"
)

// ParseDecision accepts APPROVE or DENY in any case, surrounding space ignored.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToUpper(strings.TrimSpace(s))) {
	case Approve:
		return Approve, nil
	case Deny:
		return Deny, nil
	}
	return "", fmt.Errorf("%w: %q (want APPROVE or DENY)", ErrInvalidDecision, s)
}

// Approved reports whether d lets the call run.
func (d Decision) Approved() bool {
	return d == Approve
}

// UnmarshalText lets decisions decode straight from JSON request bodies.
func (d *Decision) UnmarshalText(text []byte) error {
	parsed, err := ParseDecision(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
