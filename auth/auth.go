// Package auth provides the authentication function type consumed by the
// authentication interceptors, and the metadata lookup shared by its
// implementations.
package auth

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// MetadataKey is the incoming metadata key carrying the credential.
const MetadataKey = "authorization"

// AuthFunc authenticates a gRPC request. It receives the request context,
// the full method name, and the incoming metadata. On success it returns a
// (possibly enriched) context; on failure it returns an error, which the
// interceptor converts to an opaque status.
type AuthFunc func(ctx context.Context, fullMethod string, md metadata.MD) (context.Context, error)

// Credential returns the first authorization value in md, or "".
func Credential(md metadata.MD) string {
	if vals := md.Get(MetadataKey); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
