package access

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
	"github.com/petrodata/petrodb/core/registry"
)

// JwtMiddlewareBuilder is a helper builder for JwtMiddleware
type JwtMiddlewareBuilder struct {
	// DB is the postgres database with the users table.
	DB *csql.DB
	// Validity is how long issued tokens stay valid. Defaults to 24h.
	Validity time.Duration
}

// JwtMiddleware validates JWT bearer tokens and issues session tokens
// for api-key holders. The HS256 signing key is generated on first use
// and persisted in the registry, so tokens survive restarts.
type JwtMiddleware struct {
	db         *csql.DB
	signingKey []byte
	validity   time.Duration
	cache      *PrincipalCache
}

type principalClaims struct {
	jwt.RegisteredClaims
	Name     string `json:"name"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Admin    bool   `json:"admin,omitempty"`
}

// NewJwtMiddleware returns the JWT middleware. It panics when the
// signing key cannot be read or created.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) *JwtMiddleware {
	jwtRegistry := registry.New(jmb.DB).Accessor("_jwt_")
	var signingKey string
	if _, err := jwtRegistry.Read("signing_key", &signingKey); err != nil {
		panic(err)
	}
	if signingKey == "" {
		signingKey = strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
		if err := jwtRegistry.Write("signing_key", signingKey); err != nil {
			panic(err)
		}
	}
	validity := jmb.Validity
	if validity == 0 {
		validity = 24 * time.Hour
	}
	return &JwtMiddleware{
		db:         jmb.DB,
		signingKey: []byte(signingKey),
		validity:   validity,
		cache:      NewPrincipalCache(),
	}
}

// IssueToken creates a signed session token for the principal.
func (m *JwtMiddleware) IssueToken(p *Principal) (string, error) {
	now := time.Now()
	claims := principalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.validity)),
		},
		Name:     p.Name,
		Email:    p.Email,
		Verified: p.Verified,
		Admin:    p.Admin,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// MiddlewareFunc returns a middleware handler that validates
// "Authorization: Bearer" tokens.
//
// This is a final handler with regards to the bearer token: it returns
// http.StatusUnauthorized when a token is present but invalid. Requests
// without a bearer token pass through untouched, so the api-key
// middleware can still resolve them.
func (m *JwtMiddleware) MiddlewareFunc() mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				h.ServeHTTP(w, r)
				return
			}
			tokenString := strings.TrimPrefix(header, "Bearer ")
			principal := m.cache.Read(tokenString)
			if principal == nil {
				var claims principalClaims
				token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
					}
					return m.signingKey, nil
				})
				if err != nil || !token.Valid {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				userID, err := strconv.ParseInt(claims.Subject, 10, 64)
				if err != nil {
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				principal = &Principal{
					UserID:   userID,
					Name:     claims.Name,
					Email:    claims.Email,
					Verified: claims.Verified,
					Admin:    claims.Admin,
				}
				m.cache.Write(tokenString, principal)
			}
			ctx := principal.ContextWithPrincipal(r.Context())
			ctx, rlog := logger.ContextWithLoggerIdentity(ctx, strconv.FormatInt(principal.UserID, 10))
			rlog.Debugln("authenticated user", principal.UserID, "via bearer token")
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandleLoginRoute adds a route /login POST to the router. Callers
// present their api key and receive a session token.
func (m *JwtMiddleware) HandleLoginRoute(router *mux.Router) {
	logger.Default().Debugln("  handle route: /login POST")
	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		principal, err := LookupPrincipalByAPIKey(m.db, key)
		if err != nil {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		tokenString, err := m.IssueToken(principal)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 3301: cannot issue token")
			http.Error(w, "Error 3301", http.StatusInternalServerError)
			return
		}
		jsonData, _ := json.MarshalWithOption(map[string]string{"token": tokenString}, json.DisableHTMLEscape())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodOptions, http.MethodPost)
}
