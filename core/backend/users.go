package backend

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
)

// handleUserVerification adds the verification route for the user
// resource. Verification flips the enabled flag and provisions the
// user's group memberships: exactly one personal group and membership
// in every public group. The operation is idempotent, re-verifying an
// already verified user simply repairs the invariants.
func (b *Backend) handleUserVerification(router *mux.Router) {
	rc, ok := b.config.resource("user")
	if !ok {
		return
	}
	route := "/users/{" + rc.Primary + "}/verify"
	logger.Default().Debugln("  handle verification route:", route, "POST")
	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.verifyUserWithAuth(w, r, rc)
	}).Methods(http.MethodOptions, http.MethodPost)
}

func (b *Backend) verifyUserWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	rtx := txFromContext(r.Context())

	id, err := strconv.ParseInt(mux.Vars(r)[rc.Primary], 10, 64)
	if err != nil {
		http.Error(w, "broken primary identifier", http.StatusBadRequest)
		return
	}
	// users verify themselves, admins verify anybody
	if principal == nil || (!principal.Admin && principal.UserID != id) {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	var name string
	query := fmt.Sprintf("SELECT name FROM %s.%s WHERE %s = $1 FOR UPDATE;", b.db.Schema, rc.Table, rc.Primary)
	err = rtx.tx.QueryRow(query, id).Scan(&name)
	if err == csql.ErrNoRows {
		http.Error(w, "no such user", http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("Error 4761: cannot QueryRow")
		http.Error(w, "Error 4761", http.StatusInternalServerError)
		return
	}

	// the api key is assigned here and nowhere else, payloads cannot
	// choose one
	query = fmt.Sprintf("UPDATE %s.%s SET enabled = 'Y' WHERE %s = $1;", b.db.Schema, rc.Table, rc.Primary)
	args := []interface{}{id}
	if _, ok := rc.field("api_key"); ok {
		query = fmt.Sprintf("UPDATE %s.%s SET enabled = 'Y', api_key = COALESCE(api_key, $2) WHERE %s = $1;",
			b.db.Schema, rc.Table, rc.Primary)
		args = append(args, uuid.NewString())
	}
	if _, err = rtx.tx.Exec(query, args...); err != nil {
		rlog.WithError(err).Errorln("Error 4762: cannot enable user")
		http.Error(w, "Error 4762", http.StatusInternalServerError)
		return
	}
	if _, err = b.provisioner.EnsurePersonalGroup(rtx.tx, id, name); err != nil {
		rlog.WithError(err).Errorln("Error 4763: cannot provision personal group")
		http.Error(w, "Error 4763", http.StatusInternalServerError)
		return
	}
	if err = b.provisioner.EnsurePublicMembership(rtx.tx, id); err != nil {
		rlog.WithError(err).Errorln("Error 4764: cannot provision public membership")
		http.Error(w, "Error 4764", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
