package instrument

import "context"

type correlationKey struct{}

// SetCorrelationID returns a copy of ctx carrying id. Every record logged
// with that context gets a "_cID" attribute.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GetCorrelationID returns the id stored by SetCorrelationID, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
