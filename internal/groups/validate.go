package groups

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidSnapshot = errors.New("invalid snapshot")

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return ErrInvalidSnapshot.Error()
	}
	return e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSnapshot
}

func invalidf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural preconditions the merge relies on: every
// group has an id, no id appears twice and every order is a finite number.
func Validate(in []Group) error {
	seen := make(map[string]struct{}, len(in))
	for i, g := range in {
		if g.ID == "" {
			return invalidf("group at index %d has no id", i)
		}
		if math.IsNaN(g.Order) || math.IsInf(g.Order, 0) {
			return invalidf("group %q has a non-finite order", g.ID)
		}
		if _, dup := seen[g.ID]; dup {
			return invalidf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

// Touch stamps g as modified at now, keeping UpdatedAt >= CreatedAt.
func Touch(g Group, now int64) Group {
	if g.CreatedAt == 0 {
		g.CreatedAt = now
	}
	if now < g.CreatedAt {
		now = g.CreatedAt
	}
	g.UpdatedAt = now
	return g
}
