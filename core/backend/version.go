package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
)

// The optimistic version validator. Every owned entity carries a
// version counter that starts at 1 on creation and increases by exactly
// 1 on every successful update. A write whose submitted version does
// not equal the stored version plus one is rejected, never silently
// applied.
//
// The stored row is read FOR UPDATE inside the request transaction, so
// two concurrent updates for the same row serialize on the row lock and
// the loser fails validation against the winner's committed version.

// versionState is what the validator learned about the stored row.
type versionState struct {
	exists     bool
	version    int
	publicData string
	ownerID    int64
}

// currentVersionState locks and reads the stored row's concurrency
// columns. A zero state is returned when the row does not exist.
func (b *Backend) currentVersionState(rtx *requestTx, rc *resourceConfiguration, id int64) (versionState, error) {
	var state versionState
	columns := "version, user_id"
	if rc.PublicFlag {
		columns += ", public_data"
	}
	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s = $1 FOR UPDATE;",
		columns, b.db.Schema, rc.Table, rc.Primary)
	var err error
	if rc.PublicFlag {
		err = rtx.tx.QueryRow(query, id).Scan(&state.version, &state.ownerID, &state.publicData)
	} else {
		err = rtx.tx.QueryRow(query, id).Scan(&state.version, &state.ownerID)
	}
	if err == csql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	state.exists = true
	return state, nil
}

// submittedVersion extracts the version field from a payload.
func submittedVersion(body map[string]interface{}) (int, bool) {
	v, ok := body["version"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// validateCreateVersion enforces the creation rules: the key must be
// free and the submitted version must be absent or zero. The caller
// then hydrates the stored version to 1.
func validateCreateVersion(rc *resourceConfiguration, state versionState, body map[string]interface{}) error {
	if state.exists {
		return fmt.Errorf("%w: that %s already exists (use PUT to update)", core.ErrAlreadyExists, rc.Resource)
	}
	if v, ok := submittedVersion(body); ok && v != 0 {
		return fmt.Errorf("%w: version must be 0 or absent on create", core.ErrEditConflict)
	}
	return nil
}

// validateUpdateVersion enforces the update rules: the row must exist
// and the payload must carry exactly the next version. It returns the
// version to store.
func validateUpdateVersion(rc *resourceConfiguration, state versionState, body map[string]interface{}) (int, error) {
	if !state.exists {
		return 0, fmt.Errorf("%w: cannot find previous version of this %s (use POST to create)", core.ErrNotFound, rc.Resource)
	}
	v, ok := submittedVersion(body)
	if !ok {
		return 0, fmt.Errorf("%w: version number missing", core.ErrEditConflict)
	}
	if v != state.version+1 {
		return 0, core.ErrEditConflict
	}
	return v, nil
}

var (
	// Version is the version of the current build
	Version = "unset"
)

func (b *Backend) handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		b.versionWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (b *Backend) versionWithAuth(w http.ResponseWriter, r *http.Request) {
	principal := access.PrincipalFromContext(r.Context())
	if principal == nil || !principal.Admin {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	data, _ := json.Marshal(map[string]string{"version": Version})
	w.Write(data)
}
