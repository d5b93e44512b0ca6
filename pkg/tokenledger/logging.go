package tokenledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	Action          string
	Amount          int64
	ExternalOrderID string
	Status          string
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithProviderOrders wires the payment provider read client used by the
// reconciliation sweep. The client is constructed at process startup and
// injected here; the service never initializes one on first use.
func WithProviderOrders(provider ProviderOrders) ServiceOption {
	return func(service *Service) {
		service.provider = provider
	}
}
