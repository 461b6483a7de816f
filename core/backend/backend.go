package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/blob"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
	"github.com/petrodata/petrodb/core/registry"
	"github.com/petrodata/petrodb/core/schema"
)

// Backend is the REST backend for the sample archive. It exposes the
// configured resources and enforces row-level access control, the
// first-order filter restriction and optimistic versioning on them.
type Backend struct {
	config      Configuration
	db          *csql.DB
	router      *mux.Router
	notifier    core.Notifier
	blobDriver  blob.Driver
	validator   *schema.Validator
	policy      access.Policy
	provisioner access.Provisioner

	// Registry is the persistent key-value registry of this backend's database
	Registry registry.Registry
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all resources. This is mandatory.
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Notifier receives change notifications for committed mutations.
	// This is optional.
	Notifier core.Notifier
	// BlobDriver stores binary content for resources declared
	// with_content. This is optional.
	BlobDriver blob.Driver
	// JSONSchemas validates mutating payloads for resources that
	// declare a schema_id. This is optional.
	JSONSchemas *schema.Validator
	// UpdateSchema creates the database relations if they do not exist.
	UpdateSchema bool
}

// New realizes the actual backend. It creates the sql relations (if
// requested) and adds routes to the router.
func New(bb *Builder) (*Backend, error) {
	var config Configuration
	err := json.Unmarshal([]byte(bb.Config), &config)
	if err != nil {
		return nil, fmt.Errorf("parse error in backend configuration: %s", err)
	}
	if err = config.validate(); err != nil {
		return nil, err
	}
	if bb.DB == nil {
		return nil, errors.New("DB is missing")
	}
	if bb.Router == nil {
		return nil, errors.New("Router is missing")
	}

	b := &Backend{
		config:      config,
		db:          bb.DB,
		router:      bb.Router,
		notifier:    bb.Notifier,
		blobDriver:  bb.BlobDriver,
		validator:   bb.JSONSchemas,
		policy:      access.Policy{Schema: bb.DB.Schema},
		provisioner: access.Provisioner{Schema: bb.DB.Schema},
		Registry:    registry.New(bb.DB),
	}

	if bb.UpdateSchema {
		access.CreateTables(b.db)
		if err := b.createTables(); err != nil {
			return nil, err
		}
	}

	b.handleCORS()
	logger.AddRequestID(b.router)
	b.router.Use(b.transactionMiddleware)
	access.HandlePrincipalRoute(b.router)
	b.handleRoutes(b.router)
	b.handleUserVerification(b.router)
	b.handleStatistics(b.router)
	b.handleVersion(b.router)
	return b, nil
}

// MustNew is like New but panics on error.
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

// Config returns the backend configuration.
func (b *Backend) Config() Configuration {
	return b.config
}

// createTables generates the DDL for all configured resources, in
// declaration order so that foreign keys find their targets.
func (b *Backend) createTables() error {
	schemaName := b.db.Schema
	for i := range b.config.Resources {
		rc := &b.config.Resources[i]
		columns := []string{rc.Primary + " BIGSERIAL PRIMARY KEY"}
		if rc.Owned {
			columns = append(columns,
				"version INTEGER NOT NULL DEFAULT 1",
				fmt.Sprintf("user_id BIGINT NOT NULL REFERENCES %s.users(user_id)", schemaName))
		}
		if rc.PublicFlag {
			columns = append(columns, "public_data CHAR(1) NOT NULL DEFAULT 'N'")
		}
		for _, f := range rc.Fields {
			column := f.Name + " " + sqlType(f.Type)
			if f.NotNull {
				column += " NOT NULL"
			}
			if f.Default != "" {
				column += " DEFAULT " + f.Default
			}
			if f.Unique {
				column += " UNIQUE"
			}
			columns = append(columns, column)
		}
		for _, rel := range rc.Relations {
			if rel.Many {
				continue
			}
			related, _ := b.config.resource(rel.Resource)
			column := fmt.Sprintf("%s BIGINT REFERENCES %s.%s(%s)",
				rel.Column, schemaName, related.Table, related.Primary)
			if !rel.Nullable {
				column += " NOT NULL"
			}
			columns = append(columns, column)
		}
		query := fmt.Sprintf("CREATE table IF NOT EXISTS %s.%s (%s);",
			schemaName, rc.Table, strings.Join(columns, ",\n"))
		if _, err := b.db.Exec(query); err != nil {
			return fmt.Errorf("cannot create table %s: %w", rc.Table, err)
		}

		for _, rel := range rc.Relations {
			if !rel.Many {
				continue
			}
			related, _ := b.config.resource(rel.Resource)
			query := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.%s
(id BIGSERIAL PRIMARY KEY,
%s BIGINT NOT NULL REFERENCES %s.%s(%s) ON DELETE CASCADE,
%s BIGINT NOT NULL REFERENCES %s.%s(%s),
UNIQUE(%s, %s)
);`,
				schemaName, rel.JoinTable,
				rel.ThisColumn, schemaName, rc.Table, rc.Primary,
				rel.JoinColumn, schemaName, related.Table, related.Primary,
				rel.ThisColumn, rel.JoinColumn)
			if _, err := b.db.Exec(query); err != nil {
				return fmt.Errorf("cannot create join table %s: %w", rel.JoinTable, err)
			}
		}
	}
	return nil
}

// handleRoutes adds all necessary handlers for the configured resources
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: handle routes")
	for i := range b.config.Resources {
		b.createCollectionResource(router, &b.config.Resources[i])
	}
}

// the transaction middleware wraps every state-mutating request into a
// database transaction. The transaction is committed only if the final
// response status is in the success range; everything else rolls back
// all mutations performed during the request, including cascaded
// creates of free-text entities.
func (b *Backend) transactionMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			h.ServeHTTP(w, r)
			return
		}
		rlog := logger.FromContext(r.Context())
		tx, err := b.db.BeginTx(r.Context(), nil)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4301: cannot begin transaction")
			http.Error(w, "Error 4301", http.StatusInternalServerError)
			return
		}
		rtx := &requestTx{tx: tx}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r.WithContext(contextWithTx(r.Context(), rtx)))

		success := rec.Code >= 200 && rec.Code < 400
		if success {
			err = tx.Commit()
			if err != nil {
				rlog.WithError(err).Errorln("Error 4302: cannot commit transaction")
				http.Error(w, "Error 4302", http.StatusInternalServerError)
				return
			}
			// notifications go out only for committed mutations
			if b.notifier != nil {
				for _, n := range rtx.notifications {
					b.notifier.Notify(n.resource, n.operation, n.payload)
				}
			}
		} else {
			tx.Rollback()
		}
		for key, values := range rec.Header() {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		w.WriteHeader(rec.Code)
		w.Write(rec.Body.Bytes())
	})
}

type txContextKeyType struct{}

var txContextKey = &txContextKeyType{}

type pendingNotification struct {
	resource  string
	operation core.Operation
	payload   []byte
}

// requestTx is the per-request transaction plus the notifications to
// publish after a successful commit.
type requestTx struct {
	tx            *sql.Tx
	notifications []pendingNotification
}

func (rtx *requestTx) notify(resource string, operation core.Operation, payload []byte) {
	rtx.notifications = append(rtx.notifications, pendingNotification{resource, operation, payload})
}

func contextWithTx(ctx context.Context, rtx *requestTx) context.Context {
	return context.WithValue(ctx, txContextKey, rtx)
}

func txFromContext(ctx context.Context) *requestTx {
	rtx, ok := ctx.Value(txContextKey).(*requestTx)
	if !ok {
		return nil
	}
	return rtx
}

// writeError maps the error taxonomy to HTTP status codes. Unexpected
// errors are logged with a traceable code and reported as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrEditConflict),
		errors.Is(err, core.ErrAlreadyExists),
		errors.Is(err, core.ErrMultipleFound):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInvalidFilter),
		errors.Is(err, core.ErrInvalidSort):
		status = http.StatusBadRequest
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4303: internal error")
		http.Error(w, "Error 4303", http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}
