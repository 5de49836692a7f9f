package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"mmrag/internal/core/domain"
	"mmrag/internal/infrastructure/resilience"
)

// HTTPStatusError surfaces the upstream status code to the retry
// classifier. The body tail rides along for error messages.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("ollama %s: unexpected status %s", e.Operation, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// classifyOllamaError decides retry behavior per error family: context
// ends stop retrying without penalizing the breaker, 5xx/429/408 and
// network faults retry and count against it, other HTTP statuses are
// permanent.
func classifyOllamaError(err error) resilience.ErrorClassification {
	switch {
	case err == nil:
		return resilience.ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return resilience.ErrorClassification{}
	case resilience.IsCircuitOpen(err):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		retry := retryableStatus(statusErr.StatusCode)
		return resilience.ErrorClassification{Retryable: retry, RecordFailure: retry}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func retryableStatus(code int) bool {
	if code >= http.StatusInternalServerError {
		return true
	}
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// wrapTemporaryIfNeeded tags retry-worthy failures as ErrTemporary so
// the HTTP layer maps them to 503 instead of 500.
func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyOllamaError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
