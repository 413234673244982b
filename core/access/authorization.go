/*Package access provides utilities for access control
 */
package access

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

/*Authorization is a context object which stores authorization information
for accounts or devices.

An authorization carries a list of roles and the id of the account the
request acts for. Authorization objects are added to a request context by
middleware implementations, depending on authorization tokens in the HTTP
request, and retrieved with AuthorizationFromContext.
*/
type Authorization struct {
	Roles      []string          `json:"roles"`
	AccountID  uuid.UUID         `json:"account_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// AuthorizationCache is an in-memory cache for authorizations. It is used by
// the jwt middleware to cache authorization objects for bearer tokens.
// The purpose of the cache is to reduce the amount of token parsing, without
// the cache the middleware would have to validate the token for every single
// request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from in-process cache.
// Token should be the temporary token the authorization was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// Token should be the temporary token it was derived from, not any of the ids.
// This function is go-routine safe
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}
