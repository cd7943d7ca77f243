package contextx

type contextKey int

const (
	tenantKey contextKey = iota
	requestIDKey
)
