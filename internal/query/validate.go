package query

import (
	"errors"
	"fmt"

	"github.com/roach88/fibersync/internal/registry"
)

// ErrInvalid marks descriptors that cannot be executed.
var ErrInvalid = errors.New("invalid query")

// Validate checks that d is well formed: exactly one of entity or procedure,
// identifier-safe field names, known operators, non-negative paging.
// Validate is a pure function.
func Validate(d Descriptor) error {
	switch {
	case d.Entity == "" && d.Procedure == "":
		return fmt.Errorf("%w: entity or procedure is required", ErrInvalid)
	case d.Entity != "" && d.Procedure != "":
		return fmt.Errorf("%w: entity and procedure are exclusive", ErrInvalid)
	}
	if !registry.ValidIdentifier(d.Name()) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalid, d.Name())
	}
	if d.Limit < 0 || d.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalid)
	}
	for _, o := range d.OrderBy {
		if !registry.ValidIdentifier(o.Field) {
			return fmt.Errorf("%w: invalid order field %q", ErrInvalid, o.Field)
		}
	}
	if d.Filter != nil {
		if err := validatePredicate(d.Filter); err != nil {
			return err
		}
	}
	return nil
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case Eq:
		return validateField(pred.Field)
	case *Eq:
		return validateField(pred.Field)
	case Cmp:
		return validateCmp(pred)
	case *Cmp:
		return validateCmp(*pred)
	case In:
		return validateField(pred.Field)
	case *In:
		return validateField(pred.Field)
	case And:
		return validateAnd(pred)
	case *And:
		return validateAnd(*pred)
	default:
		return fmt.Errorf("%w: unsupported predicate type %T", ErrInvalid, p)
	}
}

func validateCmp(c Cmp) error {
	if err := validateField(c.Field); err != nil {
		return err
	}
	switch c.Op {
	case OpGt, OpGte, OpLt, OpLte:
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalid, c.Op)
	}
	if c.Value == nil {
		return fmt.Errorf("%w: %s %s null", ErrInvalid, c.Field, c.Op)
	}
	return nil
}

func validateAnd(a And) error {
	for _, sub := range a.Predicates {
		if err := validatePredicate(sub); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f string) error {
	if !registry.ValidIdentifier(f) {
		return fmt.Errorf("%w: invalid field %q", ErrInvalid, f)
	}
	return nil
}
