package validation

import (
	"github.com/emberkv/ember/internal/errors"
)

const (
	// MaxKeySize is the largest key the engine accepts.
	MaxKeySize = 250
	// MaxValueSize is the largest value blob the engine accepts.
	MaxValueSize = 20 * 1024 * 1024
)

// Validator checks front-end operation arguments before they touch the
// hash table.
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a validator with the engine limits.
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// ValidateKey checks key constraints.
func (v *Validator) ValidateKey(key string) error {
	if len(key) == 0 {
		return errors.Einval("empty key")
	}
	if len(key) > v.maxKeySize {
		return errors.Einval("key too large").
			WithDetail("size", len(key)).
			WithDetail("max_size", v.maxKeySize)
	}
	return nil
}

// ValidateValue checks value constraints. Nil values are allowed; they
// denote meta-only items.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.Einval("value too large").
			WithDetail("size", len(value)).
			WithDetail("max_size", v.maxValueSize)
	}
	return nil
}

// ValidateMutation checks a full set/add payload.
func (v *Validator) ValidateMutation(key string, value []byte) error {
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}
