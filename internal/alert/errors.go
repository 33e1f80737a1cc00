package alert

import "fmt"

// ValidationError reports a single violated input rule. The entity under
// validation is never mutated when one is returned.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Rule)
}
