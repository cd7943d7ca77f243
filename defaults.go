package tenantgate

import "go.uber.org/zap"

// Middleware order. Lower values run first, so recovery wraps everything
// and per-method timeouts are closest to the handler.
const (
	OrderRecovery  = 100
	OrderRequestID = 150
	OrderTracing   = 200
	OrderAuth      = 300
	OrderRateLimit = 400
	OrderTimeout   = 500
	OrderCustom    = 1000
)

// DefaultOptions returns the options every deployment should carry: panic
// recovery and request ids.
func DefaultOptions(log *zap.Logger) []Option {
	return []Option{
		WithRecovery(log),
		WithRequestID(),
	}
}
