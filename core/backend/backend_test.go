package backend

import (
	"fmt"
	"os"
	"testing"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/blob"
	"github.com/petrodata/petrodb/core/client"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/schema"

	_ "github.com/lib/pq"
)

var configurationJSON string = `{
	"resources": [
	  {
		"resource": "user",
		"table": "users",
		"methods": ["get", "post"],
		"fields": [
		  { "name": "name", "type": "text", "not_null": true },
		  { "name": "email", "type": "text" },
		  { "name": "password", "type": "text" },
		  { "name": "enabled", "type": "char", "default": "'N'" },
		  { "name": "api_key", "type": "text", "unique": true },
		  { "name": "role_id", "type": "bigint" }
		],
		"excluded": ["password", "api_key"],
		"server_managed": ["enabled", "api_key", "role_id"]
	  },
	  {
		"resource": "rock_type",
		"methods": ["get", "post"],
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"]
	  },
	  {
		"resource": "mineral",
		"methods": ["get", "post"],
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"]
	  },
	  {
		"resource": "region",
		"fields": [ { "name": "name", "type": "text", "not_null": true, "unique": true } ],
		"filterable": ["name"]
	  },
	  {
		"resource": "sample",
		"owned": true,
		"public_flag": true,
		"schema_id": "http://petrodata.org/schemas/sample.json",
		"fields": [
		  { "name": "number", "type": "text", "not_null": true },
		  { "name": "country", "type": "text" },
		  { "name": "latitude", "type": "float" },
		  { "name": "longitude", "type": "float" }
		],
		"relations": [
		  { "name": "rock_type", "resource": "rock_type", "nullable": true },
		  { "name": "minerals", "resource": "mineral", "many": true },
		  { "name": "regions", "resource": "region", "many": true, "free_text": true }
		],
		"filterable": ["number", "country", "rock_type", "minerals", "regions", "public_data"],
		"sortable": ["number", "country"]
	  },
	  {
		"resource": "subsample",
		"owned": true,
		"public_flag": true,
		"fields": [ { "name": "name", "type": "text", "not_null": true } ],
		"relations": [
		  { "name": "sample", "resource": "sample", "nullable": true }
		],
		"filterable": ["name", "sample"],
		"sortable": ["name"]
	  },
	  {
		"resource": "image",
		"owned": true,
		"with_content": true,
		"fields": [ { "name": "filename", "type": "text" } ],
		"relations": [
		  { "name": "sample", "resource": "sample", "nullable": true }
		]
	  }
	]
  }
`

var sampleSchemaJSON string = `{
	"$id": "http://petrodata.org/schemas/sample.json",
	"type": "object",
	"required": ["number"],
	"properties": {
		"number": { "type": "string" },
		"latitude": { "type": "number", "minimum": -90, "maximum": 90 },
		"longitude": { "type": "number", "minimum": -180, "maximum": 180 }
	}
  }
`

type TestService struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	db               *csql.DB
	backend          *Backend
	client           client.Client
}

var testService TestService

func asJSON(object interface{}) string {
	j, _ := json.Marshal(object)
	return string(j)
}

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil {
		panic(err)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_core_unit_test_")
	defer db.Close()
	db.ClearSchema()
	testService.db = db

	contentDir, err := os.MkdirTemp("", "content")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(contentDir)
	blobDriver, err := blob.NewLocalFilesystem(contentDir)
	if err != nil {
		panic(err)
	}

	validator, err := schema.NewValidator([]string{sampleSchemaJSON}, nil)
	if err != nil {
		panic(err)
	}

	router := mux.NewRouter()
	testService.backend = MustNew(&Builder{
		Config:       configurationJSON,
		DB:           db,
		Router:       router,
		BlobDriver:   blobDriver,
		JSONSchemas:  validator,
		UpdateSchema: true,
	})
	testService.client = client.NewWithRouter(router)

	code := m.Run()
	os.Exit(code)
}

// createVerifiedUser registers a user, verifies it and returns the
// principal plus a client acting as that principal. Verification
// provisions the personal group and the public group membership.
func createVerifiedUser(t *testing.T, name string) (*access.Principal, client.Client) {
	t.Helper()
	var result map[string]interface{}
	_, err := testService.client.RawPost("/users",
		map[string]interface{}{"name": name, "email": name + "@example.com"}, &result)
	if err != nil {
		t.Fatal(err)
	}
	id := int64(result["user_id"].(float64))
	principal := &access.Principal{
		UserID:   id,
		Name:     name,
		Email:    name + "@example.com",
		Verified: true,
	}
	c := testService.client.WithPrincipal(principal)
	if _, err = c.RawPost(fmt.Sprintf("/users/%d/verify", id), nil, nil); err != nil {
		t.Fatal(err)
	}
	return principal, c
}

func TestCreateUser(t *testing.T) {
	var user map[string]interface{}
	_, err := testService.client.RawPost("/users",
		map[string]interface{}{
			"name":     "lin",
			"email":    "lin@example.com",
			"password": "secret",
		}, &user)
	if err != nil {
		t.Fatal(err)
	}
	id, ok := user["user_id"].(float64)
	if !ok || id == 0 {
		t.Fatal("no id")
	}
	if user["name"] != "lin" || user["email"] != "lin@example.com" {
		t.Fatal("unexpected result:", asJSON(user))
	}
	// the password column is excluded from serialization
	if _, ok := user["password"]; ok {
		t.Fatal("password was serialized")
	}
	if user["enabled"] != "N" {
		t.Fatal("user enabled before verification")
	}

	userGet := map[string]interface{}{}
	if _, err = testService.client.RawGet(fmt.Sprintf("/users/%.0f", id), &userGet); err != nil {
		t.Fatal(err)
	}
	if userGet["name"] != "lin" {
		t.Fatal("unexpected result:", asJSON(userGet))
	}
}

func TestCreateWithTakenID(t *testing.T) {
	var user map[string]interface{}
	_, err := testService.client.RawPost("/users",
		map[string]interface{}{"name": "primus", "email": "primus@example.com"}, &user)
	if err != nil {
		t.Fatal(err)
	}
	id := int64(user["user_id"].(float64))

	// a client-chosen primary key never overwrites an existing row
	status, _ := testService.client.RawPost("/users",
		map[string]interface{}{"user_id": id, "name": "secundus", "email": "secundus@example.com"}, nil)
	if status != 409 {
		t.Fatal("create with taken id got status", status)
	}
	userGet := map[string]interface{}{}
	if _, err = testService.client.RawGet(fmt.Sprintf("/users/%d", id), &userGet); err != nil {
		t.Fatal(err)
	}
	if userGet["name"] != "primus" {
		t.Fatal("existing row was overwritten:", asJSON(userGet))
	}
}

func TestUserServerManagedColumns(t *testing.T) {
	// registration payloads cannot choose the privilege columns
	var user map[string]interface{}
	_, err := testService.client.RawPost("/users",
		map[string]interface{}{
			"name":    "mallory",
			"email":   "mallory@example.com",
			"enabled": "Y",
			"api_key": "mallory-key",
			"role_id": 1,
		}, &user)
	if err != nil {
		t.Fatal(err)
	}
	id := int64(user["user_id"].(float64))
	if user["enabled"] != "N" {
		t.Fatal("registration enabled the user:", asJSON(user))
	}

	var enabled string
	var apiKey *string
	var roleID *int64
	err = testService.db.QueryRow(`SELECT enabled, api_key, role_id FROM _core_unit_test_.users
WHERE user_id=$1;`, id).Scan(&enabled, &apiKey, &roleID)
	if err != nil {
		t.Fatal(err)
	}
	if enabled != "N" {
		t.Fatal("stored user is enabled:", enabled)
	}
	if apiKey != nil {
		t.Fatal("stored user carries a payload api key:", *apiKey)
	}
	if roleID != nil {
		t.Fatal("stored user carries a payload role:", *roleID)
	}

	// verification assigns a fresh key, never the submitted one
	self := &access.Principal{UserID: id, Name: "mallory"}
	status, err := testService.client.WithPrincipal(self).RawPost(fmt.Sprintf("/users/%d/verify", id), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("self verification got status", status)
	}
	err = testService.db.QueryRow(`SELECT api_key FROM _core_unit_test_.users
WHERE user_id=$1;`, id).Scan(&apiKey)
	if err != nil {
		t.Fatal(err)
	}
	if apiKey == nil {
		t.Fatal("verification did not assign an api key")
	}
	if *apiKey == "mallory-key" {
		t.Fatal("verification kept the payload api key")
	}
}

func TestUserVerification(t *testing.T) {
	var user map[string]interface{}
	_, err := testService.client.RawPost("/users",
		map[string]interface{}{"name": "vera", "email": "vera@example.com"}, &user)
	if err != nil {
		t.Fatal(err)
	}
	id := int64(user["user_id"].(float64))
	verifyPath := fmt.Sprintf("/users/%d/verify", id)

	// anonymous callers cannot verify
	status, _ := testService.client.RawPost(verifyPath, nil, nil)
	if status != 401 {
		t.Fatal("anonymous verification got status", status)
	}

	// other non-admin users cannot verify either
	other := &access.Principal{UserID: id + 1000, Name: "other", Verified: true}
	status, _ = testService.client.WithPrincipal(other).RawPost(verifyPath, nil, nil)
	if status != 401 {
		t.Fatal("foreign verification got status", status)
	}

	// users verify themselves
	self := &access.Principal{UserID: id, Name: "vera"}
	status, err = testService.client.WithPrincipal(self).RawPost(verifyPath, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("self verification got status", status)
	}

	userGet := map[string]interface{}{}
	if _, err = testService.client.RawGet(fmt.Sprintf("/users/%d", id), &userGet); err != nil {
		t.Fatal(err)
	}
	if userGet["enabled"] != "Y" {
		t.Fatal("user not enabled after verification:", asJSON(userGet))
	}

	// exactly one personal group with the user as sole member
	var count int
	err = testService.db.QueryRow(`SELECT count(*) FROM _core_unit_test_.groups
WHERE group_type='personal' AND owner_id=$1;`, id).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatal("expected exactly one personal group, got", count)
	}

	// admins verify anybody, and re-verification is idempotent
	admin := &access.Principal{UserID: 1, Name: "admin", Verified: true, Admin: true}
	status, err = testService.client.WithPrincipal(admin).RawPost(verifyPath, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("admin verification got status", status)
	}

	// verification of a user that does not exist
	status, _ = testService.client.WithPrincipal(admin).RawPost("/users/987654/verify", nil, nil)
	if status != 404 {
		t.Fatal("verification of missing user got status", status)
	}
}

func TestPersonalGroupCollapse(t *testing.T) {
	principal, c := createVerifiedUser(t, "collapse")

	// simulate leftovers from interrupted provisioning runs
	for i := 0; i < 2; i++ {
		_, err := testService.db.Exec(`INSERT INTO _core_unit_test_.groups(name, group_type, owner_id)
VALUES($1,'personal',$2);`, fmt.Sprintf("stray_group_%d_%d", principal.UserID, i), principal.UserID)
		if err != nil {
			t.Fatal(err)
		}
	}

	// re-verification repairs the invariant
	status, err := c.RawPost(fmt.Sprintf("/users/%d/verify", principal.UserID), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("re-verification got status", status)
	}

	var count int
	err = testService.db.QueryRow(`SELECT count(*) FROM _core_unit_test_.groups
WHERE group_type='personal' AND owner_id=$1;`, principal.UserID).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatal("expected exactly one personal group after collapse, got", count)
	}
}

func TestVersionRoute(t *testing.T) {
	status, _ := testService.client.RawGet("/version", nil)
	if status != 401 {
		t.Fatal("anonymous /version got status", status)
	}

	admin := &access.Principal{UserID: 1, Name: "admin", Verified: true, Admin: true}
	result := map[string]string{}
	_, err := testService.client.WithPrincipal(admin).RawGet("/version", &result)
	if err != nil {
		t.Fatal(err)
	}
	if result["version"] != Version {
		t.Fatal("unexpected version:", asJSON(result))
	}
}

func TestPrincipalRoute(t *testing.T) {
	status, err := testService.client.RawGet("/principal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != 204 {
		t.Fatal("anonymous /principal got status", status)
	}

	principal, c := createVerifiedUser(t, "whoami")
	result := access.Principal{}
	if _, err = c.RawGet("/principal", &result); err != nil {
		t.Fatal(err)
	}
	if result.UserID != principal.UserID || result.Name != principal.Name || !result.Verified {
		t.Fatal("unexpected principal:", asJSON(result))
	}
}
