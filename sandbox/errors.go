package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/session"
	"github.com/zhubert/plural-sandbox/taskapi"
)

// Kind classifies executor failures.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidRequest       Kind = "invalid_request"
	KindContainerUnreachable Kind = "container_unreachable"
	KindTimeout              Kind = "timeout"
	KindUpstreamError        Kind = "upstream_error"
	KindBusy                 Kind = "busy"
	KindProvisioning         Kind = "provisioning"
	KindCancellationTimeout  Kind = "cancellation_timeout"
	KindProtocolError        Kind = "protocol_error"
)

// Error is the only error type that leaves the executor.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed after the container
// is re-provisioned.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindContainerUnreachable, KindTimeout, KindProvisioning:
		return true
	}
	return false
}

// KindOf returns err's Kind, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps a raw error from a collaborator to an *Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(op, kindFor(err), err)
}

func kindFor(err error) Kind {
	var (
		statusErr *taskapi.StatusError
		provErr   *container.ProvisioningError
		urlErr    *url.Error
		netErr    net.Error
	)
	switch {
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrForbidden),
		errors.Is(err, container.ErrNotFound):
		return KindNotFound
	case errors.Is(err, session.ErrInvalidID):
		return KindInvalidRequest
	case errors.Is(err, container.ErrWorkspaceInUse):
		return KindBusy
	case errors.As(err, &provErr):
		return KindProvisioning
	case errors.As(err, &statusErr):
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return KindNotFound
		case statusErr.StatusCode == http.StatusConflict:
			return KindBusy
		case statusErr.StatusCode == http.StatusBadRequest:
			return KindInvalidRequest
		}
		return KindUpstreamError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.As(err, &urlErr):
		if urlErr.Timeout() {
			return KindTimeout
		}
		return KindContainerUnreachable
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindContainerUnreachable
	}
	return KindUpstreamError
}
