package errortypes

// Severity represents how far an error is allowed to propagate.
type Severity int

const (
	// SeverityUnknown represents an unknown severity level.
	SeverityUnknown Severity = iota

	// SeverityFatal stops the component that raised it: a stack that cannot be configured
	// or started.
	SeverityFatal

	// SeverityRecoverable is counted and dropped. The current bid round carries on without
	// the result that failed.
	SeverityRecoverable
)

func isFatal(err error) bool {
	s, ok := err.(Coder)
	return !ok || s.Severity() == SeverityFatal
}

// IsRecoverable returns true if an error is labeled with SeverityRecoverable.
func IsRecoverable(err error) bool {
	s, ok := err.(Coder)
	return ok && s.Severity() == SeverityRecoverable
}

// ContainsFatalError checks if the error list contains a fatal error.
func ContainsFatalError(errors []error) bool {
	for _, err := range errors {
		if isFatal(err) {
			return true
		}
	}

	return false
}

// FatalOnly returns a new error list with only the fatal severity errors.
func FatalOnly(errs []error) []error {
	errsFatal := make([]error, 0, len(errs))

	for _, err := range errs {
		if isFatal(err) {
			errsFatal = append(errsFatal, err)
		}
	}

	return errsFatal
}
