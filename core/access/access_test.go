package access

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/csql"

	_ "github.com/lib/pq"
)

type TestService struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	db               *csql.DB
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_access_unit_test_")
	defer db.Close()
	db.ClearSchema()
	testService.db = db

	CreateTables(db)
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.users
(user_id BIGSERIAL PRIMARY KEY,
name VARCHAR NOT NULL,
email VARCHAR,
enabled CHAR(1) NOT NULL DEFAULT 'N',
role_id BIGINT,
api_key VARCHAR
);`)
	if err != nil {
		panic(err)
	}

	code := m.Run()
	os.Exit(code)
}

func createDbUser(t *testing.T, name, apiKey string, enabled bool, roleID *int64) int64 {
	t.Helper()
	flag := "N"
	if enabled {
		flag = "Y"
	}
	var key interface{}
	if apiKey != "" {
		key = apiKey
	}
	var id int64
	err := testService.db.QueryRow(`INSERT INTO `+testService.db.Schema+`.users(name, email, enabled, role_id, api_key)
VALUES($1,$2,$3,$4,$5) RETURNING user_id;`, name, name+"@example.com", flag, roleID, key).Scan(&id)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestProvisionerAndPolicy(t *testing.T) {
	db := testService.db
	provisioner := Provisioner{Schema: db.Schema}
	policy := Policy{Schema: db.Schema}

	ownerID := createDbUser(t, "petra", "", true, nil)
	otherID := createDbUser(t, "quentin", "", true, nil)

	groupID, err := provisioner.EnsurePersonalGroup(db, ownerID, "petra")
	if err != nil {
		t.Fatal(err)
	}
	if groupID == 0 {
		t.Fatal("no group")
	}
	// idempotent
	again, err := provisioner.EnsurePersonalGroup(db, ownerID, "petra")
	if err != nil {
		t.Fatal(err)
	}
	if again != groupID {
		t.Fatal("personal group not stable:", groupID, again)
	}

	if err = provisioner.EnsurePublicMembership(db, ownerID); err != nil {
		t.Fatal(err)
	}
	if err = provisioner.EnsurePublicMembership(db, otherID); err != nil {
		t.Fatal(err)
	}

	ref := Ref{Kind: KindSample, ID: 1001}
	owner := &Principal{UserID: ownerID, Name: "petra", Verified: true}
	other := &Principal{UserID: otherID, Name: "quentin", Verified: true}

	// nothing is granted yet
	if err = policy.Authorize(db, owner, ref, core.PermissionRead); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}

	if err = provisioner.EnsureOwnerAccess(db, ownerID, "petra", ref); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, owner, ref, core.PermissionRead); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, owner, ref, core.PermissionWrite); err != nil {
		t.Fatal(err)
	}
	// a write grant implies delete
	if err = policy.Authorize(db, owner, ref, core.PermissionDelete); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, other, ref, core.PermissionRead); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
	if !policy.CanRead(db, owner, ref) || policy.CanRead(db, other, ref) {
		t.Fatal("CanRead disagrees with Authorize")
	}

	// a read-only grant to the public group opens the row to everybody,
	// but not for writing
	publicIDs, err := provisioner.PublicGroupIDs(db, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range publicIDs {
		_, err = db.Exec(`INSERT INTO `+db.Schema+`.group_access(group_id, entity_kind, entity_id, read_access, write_access)
VALUES($1,$2,$3,true,false) ON CONFLICT (group_id, entity_kind, entity_id) DO NOTHING;`, id, string(ref.Kind), ref.ID)
		if err != nil {
			t.Fatal(err)
		}
	}
	if err = policy.Authorize(db, other, ref, core.PermissionRead); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, nil, ref, core.PermissionRead); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, nil, ref, core.PermissionWrite); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
	if err = policy.Authorize(db, other, ref, core.PermissionWrite); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}

	// deletion removes every grant at once
	if err = provisioner.DeleteEntityAccess(db, ref); err != nil {
		t.Fatal(err)
	}
	if err = policy.Authorize(db, owner, ref, core.PermissionRead); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
}

func TestAuthorizeCreate(t *testing.T) {
	policy := Policy{Schema: testService.db.Schema}

	verified := &Principal{UserID: 5, Name: "vera", Verified: true}
	unverified := &Principal{UserID: 6, Name: "uwe"}

	if err := policy.AuthorizeCreate(verified, 5); err != nil {
		t.Fatal(err)
	}
	if err := policy.AuthorizeCreate(verified, 6); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
	if err := policy.AuthorizeCreate(unverified, 6); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
	if err := policy.AuthorizeCreate(nil, 0); err != core.ErrUnauthorized {
		t.Fatal("expected unauthorized, got", err)
	}
}

func TestReadScope(t *testing.T) {
	db := testService.db
	provisioner := Provisioner{Schema: db.Schema}
	policy := Policy{Schema: db.Schema}

	userID := createDbUser(t, "scopey", "", true, nil)
	if _, err := provisioner.EnsurePersonalGroup(db, userID, "scopey"); err != nil {
		t.Fatal(err)
	}
	principal := &Principal{UserID: userID, Name: "scopey", Verified: true}

	granted := Ref{Kind: KindSubsample, ID: 2001}
	denied := Ref{Kind: KindSubsample, ID: 2002}
	if err := provisioner.EnsureOwnerAccess(db, userID, "scopey", granted); err != nil {
		t.Fatal(err)
	}

	scoped := func(p *Principal, id int64) bool {
		scope, args := policy.ReadScope(p, KindSubsample, "candidate.id", 2)
		query := fmt.Sprintf(`SELECT count(*) FROM (SELECT $1::bigint AS id) candidate WHERE %s;`, scope)
		var count int
		if err := db.QueryRow(query, append([]interface{}{id}, args...)...).Scan(&count); err != nil {
			t.Fatal(err)
		}
		return count == 1
	}

	if !scoped(principal, granted.ID) {
		t.Fatal("granted row not in scope")
	}
	if scoped(principal, denied.ID) {
		t.Fatal("denied row in scope")
	}
	// anonymous scope covers only public grants, and there are none here
	if scoped(nil, granted.ID) {
		t.Fatal("anonymous scope leaked a personal grant")
	}
}

func TestLookupAPIKey(t *testing.T) {
	db := testService.db
	roleAdmin := int64(1)
	userID := createDbUser(t, "keyla", "keyla-key", true, &roleAdmin)

	principal, err := LookupPrincipalByAPIKey(db, "keyla-key")
	if err != nil {
		t.Fatal(err)
	}
	if principal.UserID != userID || principal.Name != "keyla" || !principal.Verified || !principal.Admin {
		t.Fatalf("unexpected principal: %+v", principal)
	}

	if _, err = LookupPrincipalByAPIKey(db, "no-such-key"); err != csql.ErrNoRows {
		t.Fatal("unknown key did not yield no rows:", err)
	}

	// a key matching several users is broken data and is refused, the
	// lookup never picks one of them
	createDbUser(t, "twin1", "twin-key", true, nil)
	createDbUser(t, "twin2", "twin-key", true, nil)
	if _, err = LookupPrincipalByAPIKey(db, "twin-key"); err != core.ErrMultipleFound {
		t.Fatal("duplicate key did not yield a conflict:", err)
	}
}

func TestJwtMiddleware(t *testing.T) {
	db := testService.db
	roleAdmin := int64(1)
	createDbUser(t, "jody", "jody-key", true, nil)
	createDbUser(t, "root", "root-key", true, &roleAdmin)

	jwtMiddleware := NewJwtMiddleware(&JwtMiddlewareBuilder{DB: db})
	router := mux.NewRouter()
	router.Use(jwtMiddleware.MiddlewareFunc())
	router.Use(NewAPIKeyMiddleware(db))
	jwtMiddleware.HandleLoginRoute(router)
	HandlePrincipalRoute(router)

	request := func(method, path string, header map[string]string) (int, []byte) {
		r, _ := http.NewRequest(method, path, nil)
		for key, value := range header {
			r.Header.Set(key, value)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes()
	}

	// login requires a valid api key
	status, _ := request(http.MethodPost, "/login", nil)
	if status != 401 {
		t.Fatal("login without key got status", status)
	}
	status, _ = request(http.MethodPost, "/login", map[string]string{APIKeyHeader: "wrong-key"})
	if status != 401 {
		t.Fatal("login with wrong key got status", status)
	}
	status, body := request(http.MethodPost, "/login", map[string]string{APIKeyHeader: "jody-key"})
	if status != 200 {
		t.Fatal("login got status", status)
	}
	var result map[string]string
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	token := result["token"]
	if token == "" {
		t.Fatal("no token")
	}

	// the token resolves to the principal
	status, body = request(http.MethodGet, "/principal", map[string]string{"Authorization": "Bearer " + token})
	if status != 200 {
		t.Fatal("principal got status", status)
	}
	var principal Principal
	if err := json.Unmarshal(body, &principal); err != nil {
		t.Fatal(err)
	}
	if principal.Name != "jody" || !principal.Verified || principal.Admin {
		t.Fatal("unexpected principal:", string(body))
	}

	// a tampered token is rejected outright
	status, _ = request(http.MethodGet, "/principal", map[string]string{"Authorization": "Bearer " + token + "x"})
	if status != 401 {
		t.Fatal("tampered token got status", status)
	}

	// the api key works directly as well, and carries the admin role
	status, body = request(http.MethodGet, "/principal", map[string]string{APIKeyHeader: "root-key"})
	if status != 200 {
		t.Fatal("api key principal got status", status)
	}
	if err := json.Unmarshal(body, &principal); err != nil {
		t.Fatal(err)
	}
	if principal.Name != "root" || !principal.Admin {
		t.Fatal("unexpected principal:", string(body))
	}

	// no credentials at all is the anonymous caller
	status, _ = request(http.MethodGet, "/principal", nil)
	if status != 204 {
		t.Fatal("anonymous principal got status", status)
	}

	// the signing key is persisted, a new middleware accepts old tokens
	second := NewJwtMiddleware(&JwtMiddlewareBuilder{DB: db})
	router2 := mux.NewRouter()
	router2.Use(second.MiddlewareFunc())
	HandlePrincipalRoute(router2)
	r, _ := http.NewRequest(http.MethodGet, "/principal", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router2.ServeHTTP(rec, r)
	if rec.Code != 200 {
		t.Fatal("restarted middleware rejected token, status", rec.Code)
	}
}
