package backend

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/blob"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
)

// blobKey is the storage key of a resource's binary content.
func blobKey(rc *resourceConfiguration, id int64) string {
	return fmt.Sprintf("%s/%d", rc.Resource, id)
}

// createContentRoutes adds binary up- and download for a resource
// declared with_content, e.g. the actual file of an image. Content
// lives in the blob store, the row itself only carries metadata.
func (b *Backend) createContentRoutes(router *mux.Router, rc *resourceConfiguration, contentRoute string) {
	nillog := logger.Default()
	if b.blobDriver == nil {
		nillog.Errorf("ERROR: resource %s declares content but no blob driver is configured", rc.Resource)
		return
	}
	nillog.Debugln("  handle content route:", contentRoute, "GET/PUT")

	router.HandleFunc(contentRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.downloadContentWithAuth(w, r, rc)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(contentRoute, func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		b.uploadContentWithAuth(w, r, rc)
	}).Methods(http.MethodOptions, http.MethodPut)
}

func (b *Backend) downloadContentWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())

	id, err := strconv.ParseInt(mux.Vars(r)[rc.Primary], 10, 64)
	if err != nil {
		http.Error(w, "broken primary identifier", http.StatusBadRequest)
		return
	}
	if rc.Owned {
		err = b.policy.Authorize(b.db.DB, principal, access.Ref{Kind: access.Kind(rc.Resource), ID: id}, core.PermissionRead)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	// stream straight to the response, headers first
	w.Header().Set("Content-Type", "application/octet-stream")
	contentType, err := b.blobDriver.Download(r.Context(), blobKey(rc, id), w)
	if err == blob.ErrNotFound {
		w.Header().Del("Content-Type")
		http.Error(w, "no content for this "+rc.Resource, http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("Error 4741: cannot download content")
		http.Error(w, "Error 4741", http.StatusInternalServerError)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
}

func (b *Backend) uploadContentWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	rtx := txFromContext(r.Context())

	id, err := strconv.ParseInt(mux.Vars(r)[rc.Primary], 10, 64)
	if err != nil {
		http.Error(w, "broken primary identifier", http.StatusBadRequest)
		return
	}

	var one int
	query := fmt.Sprintf("SELECT 1 FROM %s.%s WHERE %s = $1;", b.db.Schema, rc.Table, rc.Primary)
	err = rtx.tx.QueryRow(query, id).Scan(&one)
	if err == csql.ErrNoRows {
		http.Error(w, "no such "+rc.Resource, http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("Error 4742: cannot QueryRow")
		http.Error(w, "Error 4742", http.StatusInternalServerError)
		return
	}
	if rc.Owned {
		err = b.policy.Authorize(rtx.tx, principal, access.Ref{Kind: access.Kind(rc.Resource), ID: id}, core.PermissionWrite)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	err = b.blobDriver.Upload(r.Context(), blobKey(rc, id), r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4743: cannot upload content")
		http.Error(w, "Error 4743", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
