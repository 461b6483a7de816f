package client

import (
	"net/http"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/access"
)

func TestClientAgainstRouter(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		principal := access.PrincipalFromContext(r.Context())
		if principal == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		data, _ := json.Marshal(principal)
		w.Write(data)
	}).Methods(http.MethodGet)
	router.HandleFunc("/echos", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Got-Key", r.Header.Get(access.APIKeyHeader))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}).Methods(http.MethodPost)

	c := NewWithRouter(router)

	status, err := c.RawGet("/whoami", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNoContent {
		t.Fatal("expected no content for anonymous, got", status)
	}

	var principal access.Principal
	status, err = c.WithPrincipal(&access.Principal{UserID: 7, Name: "rvburen"}).RawGet("/whoami", &principal)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || principal.UserID != 7 {
		t.Fatalf("unexpected principal: %+v (status %d)", principal, status)
	}

	var result map[string]interface{}
	status, err = c.WithAPIKey("secret").RawPost("/echos", map[string]interface{}{"x": 1}, &result)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusCreated {
		t.Fatal("expected created, got", status)
	}
	if ok, _ := result["ok"].(bool); !ok {
		t.Fatal("unexpected result:", result)
	}
}

func TestClientStatusErrors(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such thing", http.StatusNotFound)
	}).Methods(http.MethodGet, http.MethodDelete)

	c := NewWithRouter(router)
	status, err := c.RawGet("/missing", nil)
	if status != http.StatusNotFound || err == nil {
		t.Fatal("expected not found error, got", status, err)
	}
	status, err = c.RawDelete("/missing")
	if status != http.StatusNotFound || err == nil {
		t.Fatal("expected not found error, got", status, err)
	}
}
