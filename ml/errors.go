package ml

import (
	"errors"
	"fmt"
	"math"
)

// Validation stages.
const (
	StageInput   = "input"
	StageForward = "forward"
	StageInverse = "inverse"
)

// ValidationError reports a value that cannot produce a price: a non-finite
// input or a Box-Cox domain violation.
type ValidationError struct {
	Stage   string
	Feature string
	Value   float64
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Feature != "" {
		return fmt.Sprintf("%s: feature %q %s", e.Stage, e.Feature, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
