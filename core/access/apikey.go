package access

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
)

// APIKeyHeader carries the caller's api key.
const APIKeyHeader = "X-Api-Key"

// NewAPIKeyMiddleware returns a middleware handler that resolves the
// X-Api-Key header against the users table and attaches the matching
// principal to the request context.
//
// A request without the header passes through as anonymous. A request
// with an unknown key is rejected with http.StatusUnauthorized; this is
// a final handler with regards to the api key.
func NewAPIKeyMiddleware(db *csql.DB) mux.MiddlewareFunc {
	cache := NewPrincipalCache()
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				h.ServeHTTP(w, r)
				return
			}
			principal := cache.Read(key)
			if principal == nil {
				var err error
				principal, err = LookupPrincipalByAPIKey(db, key)
				if err != nil {
					http.Error(w, "invalid api key", http.StatusUnauthorized)
					return
				}
				cache.Write(key, principal)
			}
			ctx := principal.ContextWithPrincipal(r.Context())
			ctx, rlog := logger.ContextWithLoggerIdentity(ctx, strconv.FormatInt(principal.UserID, 10))
			rlog.Debugln("authenticated user", principal.UserID, "via api key")
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LookupPrincipalByAPIKey resolves an api key to a principal. A key
// matching more than one row indicates broken data and yields
// core.ErrMultipleFound, never an arbitrary pick.
func LookupPrincipalByAPIKey(db *csql.DB, key string) (*Principal, error) {
	rows, err := db.Query(`SELECT user_id, name, email, enabled, role_id FROM `+db.Schema+`.users WHERE api_key = $1;`,
		key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		p       Principal
		enabled string
		roleID  *int64
		found   bool
	)
	for rows.Next() {
		if found {
			return nil, core.ErrMultipleFound
		}
		if err = rows.Scan(&p.UserID, &p.Name, &p.Email, &enabled, &roleID); err != nil {
			return nil, err
		}
		found = true
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, csql.ErrNoRows
	}
	p.Verified = enabled == "Y"
	p.Admin = roleID != nil && *roleID == adminRoleID
	return &p, nil
}

const adminRoleID = 1
