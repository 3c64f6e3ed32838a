package relay

// Kind classifies a relay error into the closed taxonomy shared with the
// HTTP surface. The reason string carries the human detail.
type Kind string

const (
	KindAccessDenied     Kind = "access_denied"
	KindRateLimited      Kind = "rate_limited"
	KindCircuitOpen      Kind = "circuit_open"
	KindBackpressure     Kind = "backpressure"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindDeliveryIO       Kind = "delivery_io"
	KindHandlerException Kind = "handler_exception"
	KindAdapterFailure   Kind = "adapter_failure"
	KindClosed           Kind = "closed"
	KindInvalidInput     Kind = "invalid_input"
)

// Error is a classified relay failure.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func errClosed() *Error {
	return &Error{Kind: KindClosed, Reason: "RelayCore has been closed"}
}
