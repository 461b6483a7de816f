package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyPrincipal contextKey = "_principal_"

// Principal is an authenticated user identity. A nil *Principal is the
// anonymous caller: it can read rows granted to public groups and can
// mutate nothing.
type Principal struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	// Verified users hold the coarse create capability and own exactly
	// one personal access group.
	Verified bool `json:"verified"`
	Admin    bool `json:"admin,omitempty"`
}

// ContextWithPrincipal returns a new context with this principal added to it
func (p *Principal) ContextWithPrincipal(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext retrieves the principal from the context, or nil
// for the anonymous caller.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	if ok {
		return p
	}
	return nil
}

// PrincipalCache is an in-memory cache of principals keyed by credential
// token. The middleware uses it to avoid a database lookup on every
// single request.
type PrincipalCache struct {
	mutex sync.RWMutex
	cache map[string]*Principal
}

// NewPrincipalCache creates a new principal cache
func NewPrincipalCache() *PrincipalCache {
	return &PrincipalCache{cache: make(map[string]*Principal)}
}

// Read returns a principal from the in-process cache.
// This function is go-routine safe
func (c *PrincipalCache) Read(token string) *Principal {
	c.mutex.RLock()
	p, ok := c.cache[token]
	c.mutex.RUnlock()
	if ok {
		return p
	}
	return nil
}

// Write stores a principal in the in-memory cache.
// This function is go-routine safe
func (c *PrincipalCache) Write(token string, p *Principal) {
	c.mutex.Lock()
	c.cache[token] = p
	c.mutex.Unlock()
}

// Invalidate removes a token from the cache.
func (c *PrincipalCache) Invalidate(token string) {
	c.mutex.Lock()
	delete(c.cache, token)
	c.mutex.Unlock()
}

// HandlePrincipalRoute adds a route /principal GET to the router.
//
// The route returns the principal for the provided credentials, or
// 204 No Content for anonymous callers.
func HandlePrincipalRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /principal GET")
	router.HandleFunc("/principal", func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalWithOption(p, json.DisableHTMLEscape())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}
