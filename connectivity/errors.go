package connectivity

import (
	"errors"
	"fmt"
)

// ErrServiceNotFound: no route and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrNoFactory: a route names a strategy nobody registered.
type ErrNoFactory struct {
	Service  string
	Strategy string
}

func (e *ErrNoFactory) Error() string {
	return fmt.Sprintf("connectivity: no transport for strategy %q (service %s)", e.Strategy, e.Service)
}

// ErrFactoryFailed wraps the error of a TransportFactory.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: %s transport for %s (%s): %v", e.Strategy, e.Service, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen: the breaker of a service rejected the call.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic is a recovered handler panic.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// ErrRemote is a non-2xx answer from a remote daemon.
type ErrRemote struct {
	Status int
	Body   string
}

func (e *ErrRemote) Error() string {
	return fmt.Sprintf("connectivity: remote status %d: %s", e.Status, e.Body)
}

// answered reports whether err is a 4xx from a reachable daemon: the call
// failed but the remote side is up.
func answered(err error) bool {
	var remote *ErrRemote
	return errors.As(err, &remote) && remote.Status < 500
}
