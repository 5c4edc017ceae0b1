package contributions

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork marks failures of the external contribution API call.
	ErrNetwork = errors.New("contributions: network error")
	// ErrUnrecognizedResponseShape marks a feed body matching none of the known containers.
	ErrUnrecognizedResponseShape = errors.New("contributions: unrecognized response shape")
	// ErrFetchFailed marks a collection run stopped by a failed fetch.
	ErrFetchFailed = errors.New("contributions: fetch failed")
	// ErrPersistence marks a rejected read, delete or batch write.
	ErrPersistence = errors.New("contributions: persistence failed")
	// ErrCollectionInProgress is returned when another run holds the claim for the same terrain and day.
	ErrCollectionInProgress = errors.New("contributions: collection in progress")

	errMissingDatabase = errors.New("database handle is required")
	errMissingFetcher  = errors.New("contribution fetcher is required")
)

// NetworkError describes a failed call to the external contribution API.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("contribution api %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("contribution api %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}
	return []error{ErrNetwork, e.Err}
}

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func persistenceError(operation, reason string, cause error) error {
	return newServiceError(operation, reason, fmt.Errorf("%w: %w", ErrPersistence, cause))
}
