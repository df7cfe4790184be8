package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs them once to logger
// (the global logger when nil) and returns nil when every step succeeded.
func AggregateErrors(logger Logger, operation string, errList []error, fields ...Field) error {
	var failed []error
	for _, err := range errList {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	messages := make([]string, len(failed))
	for i, err := range failed {
		messages[i] = err.Error()
	}
	logger.Error(operation+" failed", append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(failed)},
		Field{Key: "errors", Value: messages},
	)...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(failed...))
}
