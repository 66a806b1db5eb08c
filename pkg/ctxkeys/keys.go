// Package ctxkeys declares the typed keys the middleware chain uses to stash
// request identity on the gin context. Typed keys keep packages from
// colliding on bare strings.
package ctxkeys

// Key is the context key type shared by the gateway's middleware.
type Key string

// Identity keys, set by the principal middleware once a request is
// authenticated.
const (
	KeyPrincipal Key = "principal"
	KeyOrgID     Key = "org_id"
	KeyOrgSlug   Key = "org_slug"
	KeyUserID    Key = "user_id"
	KeyAuthType  Key = "auth_type"
)

// KeyRequestID is set by the request ID middleware and echoed in the
// X-Request-ID response header.
const KeyRequestID Key = "request_id"
