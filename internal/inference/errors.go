package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"matterline/internal/domain"
)

// ErrGuardOpen is returned without calling upstream while the guard cools down.
var ErrGuardOpen = errors.New("inference guard open")

// StatusError is a non-2xx answer from an endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying the same request cannot help.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

type EndpointFailure struct {
	BaseURL string
	Err     error
}

// EndpointsError collects one failure per configured endpoint.
type EndpointsError struct {
	Failures []EndpointFailure
}

func (e *EndpointsError) Error() string {
	if len(e.Failures) == 0 {
		return "inference base URL is not configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%v)", f.BaseURL, f.Err))
	}
	return "inference request failed across endpoints: " + strings.Join(parts, " | ")
}

func (e *EndpointsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsPermanent reports whether err came only from endpoints that rejected the
// request outright.
func IsPermanent(err error) bool {
	var multi *EndpointsError
	if errors.As(err, &multi) && len(multi.Failures) > 0 {
		for _, f := range multi.Failures {
			if !IsPermanent(f.Err) {
				return false
			}
		}
		return true
	}
	var status *StatusError
	return errors.As(err, &status) && status.Permanent()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var multi *EndpointsError
	if errors.As(err, &multi) && len(multi.Failures) > 0 {
		for _, f := range multi.Failures {
			if !isTimeout(f.Err) {
				return false
			}
		}
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify maps a transport failure onto the upstream error taxonomy. Callers
// handle cancellation of their own context before classifying.
func Classify(stage string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return &domain.UpstreamTimeoutError{Stage: stage, Timeout: timeout}
	}
	return &domain.UpstreamUnavailableError{Stage: stage, Err: err, Permanent: IsPermanent(err)}
}
