package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLoadFailed marks a chunk-store load that exhausted its retries.
	// Fatal to the calling request, not to the process.
	ErrLoadFailed = errors.New("chunk load failed")
	// ErrRecallLayer marks a single recall layer failure. Logged and
	// treated as an empty result, never propagated to the caller.
	ErrRecallLayer = errors.New("recall layer failed")
	// ErrExternalService marks a failed embedding/generation/rerank
	// call; the owning component takes its documented degrade path.
	ErrExternalService = errors.New("external service failure")
	ErrSessionNotFound = errors.New("session not found")
	ErrCompression     = errors.New("invalid compression request")
	ErrInvalidInput    = errors.New("invalid input")
	ErrTemporary       = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
