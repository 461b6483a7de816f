package backend

import (
	"crypto/md5"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
	"github.com/petrodata/petrodb/core/csql"
	"github.com/petrodata/petrodb/core/logger"
)

// default and maximum page size for collection listings
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// columnSpec binds one storage column to its serialization key. A
// to-one relation column is serialized under the relation name, an
// excluded column has no key at all.
type columnSpec struct {
	column    string
	key       string
	fieldType string
	relation  *relationConfiguration
}

// columnSpecs returns the full column list of a resource in a stable
// order: primary key, concurrency columns, declared fields, to-one
// foreign keys.
func (b *Backend) columnSpecs(rc *resourceConfiguration) []columnSpec {
	specs := []columnSpec{{column: rc.Primary, key: rc.Primary, fieldType: "bigint"}}
	if rc.Owned {
		specs = append(specs,
			columnSpec{column: "version", key: "version", fieldType: "integer"},
			columnSpec{column: "user_id", key: "user_id", fieldType: "bigint"},
		)
	}
	if rc.PublicFlag {
		specs = append(specs, columnSpec{column: "public_data", key: "public_data", fieldType: "char"})
	}
	for _, f := range rc.Fields {
		key := f.Name
		if rc.excludedField(f.Name) {
			key = ""
		}
		specs = append(specs, columnSpec{column: f.Name, key: key, fieldType: f.Type})
	}
	for i := range rc.Relations {
		rel := &rc.Relations[i]
		if rel.Many {
			continue
		}
		specs = append(specs, columnSpec{column: rel.Column, key: rel.Name, fieldType: "bigint", relation: rel})
	}
	return specs
}

func columnNames(specs []columnSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.column
	}
	return names
}

// scanTargets creates typed scan destinations for the column list.
func scanTargets(specs []columnSpec) []interface{} {
	targets := make([]interface{}, len(specs))
	for i, s := range specs {
		switch s.fieldType {
		case "integer", "bigint":
			targets[i] = &sql.NullInt64{}
		case "float":
			targets[i] = &sql.NullFloat64{}
		case "timestamp":
			targets[i] = &sql.NullTime{}
		case "bool":
			targets[i] = &sql.NullBool{}
		default:
			targets[i] = &sql.NullString{}
		}
	}
	return targets
}

// rowToObject converts scanned values into the outgoing representation.
// SQL NULL becomes JSON null, excluded columns are dropped.
func rowToObject(specs []columnSpec, targets []interface{}) map[string]interface{} {
	object := map[string]interface{}{}
	for i, s := range specs {
		if s.key == "" {
			continue
		}
		switch t := targets[i].(type) {
		case *sql.NullInt64:
			if t.Valid {
				object[s.key] = t.Int64
			} else {
				object[s.key] = nil
			}
		case *sql.NullFloat64:
			if t.Valid {
				object[s.key] = t.Float64
			} else {
				object[s.key] = nil
			}
		case *sql.NullTime:
			if t.Valid {
				object[s.key] = t.Time
			} else {
				object[s.key] = nil
			}
		case *sql.NullBool:
			if t.Valid {
				object[s.key] = t.Bool
			} else {
				object[s.key] = nil
			}
		case *sql.NullString:
			if t.Valid {
				object[s.key] = t.String
			} else {
				object[s.key] = nil
			}
		}
	}
	return object
}

// dehydrate finishes an outgoing object: to-many relations are loaded
// and any related reference the principal cannot read is stripped, set
// to null for to-one and removed from the array for to-many. The object
// itself has already passed authorization, stripping only concerns what
// it points to.
func (b *Backend) dehydrate(q access.Queryer, rc *resourceConfiguration, principal *access.Principal, object map[string]interface{}) error {
	specs := b.columnSpecs(rc)
	for _, s := range specs {
		if s.relation == nil || object[s.key] == nil {
			continue
		}
		related, _ := b.config.resource(s.relation.Resource)
		if !related.Owned {
			continue
		}
		id, ok := object[s.key].(int64)
		if !ok {
			continue
		}
		if !b.policy.CanRead(q, principal, access.Ref{Kind: access.Kind(related.Resource), ID: id}) {
			object[s.key] = nil
		}
	}

	primaryID, _ := object[rc.Primary].(int64)
	for i := range rc.Relations {
		rel := &rc.Relations[i]
		if !rel.Many {
			continue
		}
		values, err := b.readManyRelation(q, rel, principal, primaryID)
		if err != nil {
			return err
		}
		object[rel.Name] = values
	}
	return nil
}

// readManyRelation loads a to-many relation for one object: names for
// free-text relations, ids otherwise. For owned related resources the
// read scope is conjoined, so unreadable references never appear.
func (b *Backend) readManyRelation(q access.Queryer, rel *relationConfiguration, principal *access.Principal, id int64) ([]interface{}, error) {
	related, _ := b.config.resource(rel.Resource)
	schema := b.db.Schema

	selected := related.Table + "." + related.Primary
	if rel.FreeText {
		selected = related.Table + ".name"
	}
	query := fmt.Sprintf(`SELECT %s FROM %s.%s JOIN %s.%s ON %s.%s = %s.%s WHERE %s.%s = $1`,
		selected,
		schema, rel.JoinTable,
		schema, related.Table,
		related.Table, related.Primary, rel.JoinTable, rel.JoinColumn,
		rel.JoinTable, rel.ThisColumn)
	args := []interface{}{id}
	if related.Owned {
		scope, scopeArgs := b.policy.ReadScope(principal, access.Kind(related.Resource),
			related.Table+"."+related.Primary, 2)
		query += " AND " + scope
		args = append(args, scopeArgs...)
	}
	query += fmt.Sprintf(" ORDER BY %s;", selected)

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := []interface{}{}
	for rows.Next() {
		if rel.FreeText {
			var name string
			if err := rows.Scan(&name); err != nil {
				return nil, err
			}
			values = append(values, name)
		} else {
			var relatedID int64
			if err := rows.Scan(&relatedID); err != nil {
				return nil, err
			}
			values = append(values, relatedID)
		}
	}
	return values, rows.Err()
}

// createCollectionResource adds the route handlers for one configured
// resource: collection listing, detail read and, where the method
// whitelist allows, create, update and delete.
func (b *Backend) createCollectionResource(router *mux.Router, rc *resourceConfiguration) {
	nillog := logger.Default()
	nillog.Debugln("create collection:", rc.Resource)
	if rc.Description != "" {
		nillog.Debugln("  description:", rc.Description)
	}
	if rc.SchemaID != "" && b.validator != nil && !b.validator.HasSchema(rc.SchemaID) {
		nillog.Errorf("ERROR: invalid configuration for resource %s, schemaID %s is unknown. Validation is deactivated for this resource",
			rc.Resource, rc.SchemaID)
	}

	listRoute := "/" + core.Plural(rc.Resource)
	itemRoute := listRoute + "/{" + rc.Primary + "}"
	nillog.Debugln("  handle routes:", listRoute, "GET/POST")
	nillog.Debugln("  handle routes:", itemRoute, "GET/PUT/DELETE")

	if rc.methodAllowed("get") {
		router.HandleFunc(listRoute, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			b.listWithAuth(w, r, rc)
		}).Methods(http.MethodOptions, http.MethodGet)
		router.HandleFunc(itemRoute, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			b.readWithAuth(w, r, rc)
		}).Methods(http.MethodOptions, http.MethodGet)
	}
	if rc.methodAllowed("post") {
		router.HandleFunc(listRoute, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			b.createWithAuth(w, r, rc)
		}).Methods(http.MethodOptions, http.MethodPost)
	}
	if rc.methodAllowed("put") {
		router.HandleFunc(itemRoute, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			b.updateWithAuth(w, r, rc)
		}).Methods(http.MethodOptions, http.MethodPut)
	}
	if rc.methodAllowed("delete") {
		router.HandleFunc(itemRoute, func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			b.deleteWithAuth(w, r, rc)
		}).Methods(http.MethodOptions, http.MethodDelete)
	}
	if rc.WithContent {
		b.createContentRoutes(router, rc, itemRoute+"/content")
	}
}

func (b *Backend) listWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	schema := b.db.Schema

	page := 1
	limit := defaultPageSize
	var orderBy string
	descending := false

	var conditions []string
	var queryParameters []interface{}
	argIndex := 1

	for key, array := range r.URL.Query() {
		if len(array) > 1 {
			http.Error(w, "illegal parameter array '"+key+"'", http.StatusBadRequest)
			return
		}
		value := array[0]
		switch key {
		case "page":
			i, err := strconv.Atoi(value)
			if err != nil || i < 1 {
				http.Error(w, "parameter '"+key+"': invalid page", http.StatusBadRequest)
				return
			}
			page = i
		case "limit":
			i, err := strconv.Atoi(value)
			if err != nil || i < 1 || i > maxPageSize {
				http.Error(w, "parameter '"+key+"': invalid limit", http.StatusBadRequest)
				return
			}
			limit = i
		case "order_by", "sort_by":
			column, desc, err := parseOrderBy(rc, value)
			if err != nil {
				writeError(w, r, err)
				return
			}
			orderBy, descending = column, desc
		default:
			fe, err := b.parseFilterExpression(rc, key, value)
			if err != nil {
				writeError(w, r, err)
				return
			}
			condition, args := b.filterSQL(rc, fe, principal, argIndex)
			conditions = append(conditions, condition)
			queryParameters = append(queryParameters, args...)
			argIndex += len(args)
		}
	}

	if rc.Owned {
		scope, args := b.policy.ReadScope(principal, access.Kind(rc.Resource),
			rc.Table+"."+rc.Primary, argIndex)
		conditions = append(conditions, scope)
		queryParameters = append(queryParameters, args...)
		argIndex += len(args)
	}

	specs := b.columnSpecs(rc)
	sqlQuery := fmt.Sprintf("SELECT %s, count(*) OVER() AS full_count FROM %s.%s",
		strings.Join(columnNames(specs), ", "), schema, rc.Table)
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	order := rc.Primary
	if orderBy != "" {
		order = orderBy
	}
	sqlQuery += " ORDER BY " + order
	if descending {
		sqlQuery += " DESC"
	}
	sqlQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d;", argIndex, argIndex+1)
	queryParameters = append(queryParameters, limit, (page-1)*limit)

	rows, err := b.db.Query(sqlQuery, queryParameters...)
	if err != nil {
		rlog.WithError(err).Errorf("Error 4721: cannot execute query `%s` %+v", sqlQuery, queryParameters)
		http.Error(w, "Error 4721", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	objects := []map[string]interface{}{}
	totalCount := 0
	for rows.Next() {
		targets := scanTargets(specs)
		targets = append(targets, &totalCount)
		if err := rows.Scan(targets...); err != nil {
			rlog.WithError(err).Errorln("Error 4725: cannot scan values")
			http.Error(w, "Error 4725", http.StatusInternalServerError)
			return
		}
		objects = append(objects, rowToObject(specs, targets[:len(specs)]))
	}
	if err := rows.Err(); err != nil {
		rlog.WithError(err).Errorln("Error 4725: cannot scan values")
		http.Error(w, "Error 4725", http.StatusInternalServerError)
		return
	}
	for _, object := range objects {
		if err := b.dehydrate(b.db.DB, rc, principal, object); err != nil {
			rlog.WithError(err).Errorln("Error 4726: cannot dehydrate")
			http.Error(w, "Error 4726", http.StatusInternalServerError)
			return
		}
	}

	response := map[string]interface{}{
		"objects": objects,
		"meta": map[string]interface{}{
			"page":        page,
			"limit":       limit,
			"total_count": totalCount,
		},
	}
	jsonData, _ := json.MarshalWithOption(response, json.DisableHTMLEscape())
	etag := bytesPlusTotalCountToEtag(jsonData, totalCount)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func (b *Backend) readWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
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

	object, err := b.readObject(b.db.DB, rc, id)
	if err == csql.ErrNoRows {
		http.Error(w, "no such "+rc.Resource, http.StatusNotFound)
		return
	}
	if err != nil {
		rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
		http.Error(w, "Error 4727", http.StatusInternalServerError)
		return
	}
	if err = b.dehydrate(b.db.DB, rc, principal, object); err != nil {
		rlog.WithError(err).Errorln("Error 4726: cannot dehydrate")
		http.Error(w, "Error 4726", http.StatusInternalServerError)
		return
	}

	jsonData, _ := json.MarshalWithOption(object, json.DisableHTMLEscape())
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

// readObject reads one row into its outgoing representation, without
// the dehydrate pass.
func (b *Backend) readObject(q access.Queryer, rc *resourceConfiguration, id int64) (map[string]interface{}, error) {
	specs := b.columnSpecs(rc)
	query := fmt.Sprintf("SELECT %s FROM %s.%s WHERE %s = $1;",
		strings.Join(columnNames(specs), ", "), b.db.Schema, rc.Table, rc.Primary)
	targets := scanTargets(specs)
	if err := q.QueryRow(query, id).Scan(targets...); err != nil {
		return nil, err
	}
	return rowToObject(specs, targets), nil
}

// readBody reads the request payload and validates it against the
// resource's JSON schema, if one is configured.
func (b *Backend) readBody(r *http.Request, rc *resourceConfiguration) (map[string]interface{}, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read request body: %w", err)
	}
	if rc.SchemaID != "" && b.validator != nil && b.validator.HasSchema(rc.SchemaID) {
		if err = b.validator.ValidateString(string(data), rc.SchemaID); err != nil {
			return nil, err
		}
	}
	var body map[string]interface{}
	if err = json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid json data: %w", err)
	}
	return body, nil
}

// writeColumns collects the columns and arguments to persist from a
// payload: declared fields and to-one relations, only for keys that are
// actually present. Unknown keys are rejected, concurrency columns are
// handled by the caller.
func (b *Backend) writeColumns(rc *resourceConfiguration, body map[string]interface{}) ([]string, []interface{}, error) {
	var columns []string
	var values []interface{}
	for key, value := range body {
		if key == rc.Primary || key == "version" || key == "user_id" || key == "public_data" {
			continue
		}
		if rc.serverManagedField(key) {
			continue
		}
		if _, ok := rc.field(key); ok {
			columns = append(columns, key)
			values = append(values, value)
			continue
		}
		if rel, ok := rc.relation(key); ok {
			if rel.Many {
				continue // attached separately after the row exists
			}
			columns = append(columns, rel.Column)
			values = append(values, value)
			continue
		}
		return nil, nil, fmt.Errorf("unknown property '%s' for %s", key, rc.Resource)
	}
	return columns, values, nil
}

func (b *Backend) createWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	rtx := txFromContext(r.Context())
	schema := b.db.Schema

	body, err := b.readBody(r, rc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if rc.Owned {
		if err = b.policy.AuthorizeCreate(principal, ownerFromBody(body, principal)); err != nil {
			writeError(w, r, err)
			return
		}
	}

	// a client-chosen primary key is honored, but never overwrites
	submittedID, hasID := int64Value(body[rc.Primary])
	state := versionState{}
	if hasID {
		if rc.Owned {
			state, err = b.currentVersionState(rtx, rc, submittedID)
			if err != nil {
				rlog.WithError(err).Errorln("Error 4728: cannot read version state")
				http.Error(w, "Error 4728", http.StatusInternalServerError)
				return
			}
		} else {
			var one int
			query := fmt.Sprintf("SELECT 1 FROM %s.%s WHERE %s = $1;", schema, rc.Table, rc.Primary)
			err = rtx.tx.QueryRow(query, submittedID).Scan(&one)
			if err == nil {
				writeError(w, r, core.ErrAlreadyExists)
				return
			}
			if err != csql.ErrNoRows {
				rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
				http.Error(w, "Error 4727", http.StatusInternalServerError)
				return
			}
		}
	}
	if rc.Owned {
		if err = validateCreateVersion(rc, state, body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	columns, values, err := b.writeColumns(rc, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if hasID {
		columns = append(columns, rc.Primary)
		values = append(values, submittedID)
	}
	publicFlag := "N"
	if rc.PublicFlag {
		if flag, ok := body["public_data"].(string); ok {
			publicFlag = flag
		}
		columns = append(columns, "public_data")
		values = append(values, publicFlag)
	}
	if rc.Owned {
		columns = append(columns, "version", "user_id")
		values = append(values, 1, principal.UserID)
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES(%s) RETURNING %s;",
		schema, rc.Table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), rc.Primary)
	var id int64
	if err = rtx.tx.QueryRow(query, values...).Scan(&id); err != nil {
		rlog.WithError(err).Errorf("Error 4729: cannot execute query `%s`", query)
		http.Error(w, "Error 4729", http.StatusInternalServerError)
		return
	}

	ref := access.Ref{Kind: access.Kind(rc.Resource), ID: id}
	if rc.Owned {
		if err = b.provisioner.EnsureOwnerAccess(rtx.tx, principal.UserID, principal.Name, ref); err != nil {
			rlog.WithError(err).Errorln("Error 4730: cannot provision owner access")
			http.Error(w, "Error 4730", http.StatusInternalServerError)
			return
		}
	}
	if rc.PublicFlag {
		if err = b.syncPublicAccess(rtx, ref, versionState{}, publicFlag); err != nil {
			rlog.WithError(err).Errorln("Error 4731: cannot sync public access")
			http.Error(w, "Error 4731", http.StatusInternalServerError)
			return
		}
	}
	if err = b.attachManyRelations(rtx, rc, id, body); err != nil {
		rlog.WithError(err).Errorln("Error 4732: cannot attach relations")
		http.Error(w, "Error 4732", http.StatusInternalServerError)
		return
	}

	object, err := b.readObject(rtx.tx, rc, id)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
		http.Error(w, "Error 4727", http.StatusInternalServerError)
		return
	}
	if err = b.dehydrate(rtx.tx, rc, principal, object); err != nil {
		rlog.WithError(err).Errorln("Error 4726: cannot dehydrate")
		http.Error(w, "Error 4726", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.MarshalWithOption(object, json.DisableHTMLEscape())
	rtx.notify(rc.Resource, core.OperationCreate, jsonData)

	w.Header().Set("Location", fmt.Sprintf("/%s/%d", core.Plural(rc.Resource), id))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	w.Write(jsonData)
}

func (b *Backend) updateWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	rtx := txFromContext(r.Context())
	schema := b.db.Schema

	id, err := strconv.ParseInt(mux.Vars(r)[rc.Primary], 10, 64)
	if err != nil {
		http.Error(w, "broken primary identifier", http.StatusBadRequest)
		return
	}
	body, err := b.readBody(r, rc)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ref := access.Ref{Kind: access.Kind(rc.Resource), ID: id}
	var state versionState
	var version int
	if rc.Owned {
		// lock and read the stored row first, then authorize before any
		// version details can leak to the caller
		state, err = b.currentVersionState(rtx, rc, id)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4728: cannot read version state")
			http.Error(w, "Error 4728", http.StatusInternalServerError)
			return
		}
		if state.exists {
			if err = b.policy.Authorize(rtx.tx, principal, ref, core.PermissionWrite); err != nil {
				writeError(w, r, err)
				return
			}
		}
		version, err = validateUpdateVersion(rc, state, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		var one int
		query := fmt.Sprintf("SELECT 1 FROM %s.%s WHERE %s = $1 FOR UPDATE;",
			schema, rc.Table, rc.Primary)
		err = rtx.tx.QueryRow(query, id).Scan(&one)
		if err == csql.ErrNoRows {
			http.Error(w, "no such "+rc.Resource, http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
			http.Error(w, "Error 4727", http.StatusInternalServerError)
			return
		}
	}

	columns, values, err := b.writeColumns(rc, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	publicFlag := state.publicData
	if rc.PublicFlag {
		if flag, ok := body["public_data"].(string); ok {
			publicFlag = flag
		}
		columns = append(columns, "public_data")
		values = append(values, publicFlag)
	}
	if rc.Owned {
		columns = append(columns, "version")
		values = append(values, version)
	}

	assignments := make([]string, len(columns))
	for i, column := range columns {
		assignments[i] = fmt.Sprintf("%s = $%d", column, i+1)
	}
	values = append(values, id)
	query := fmt.Sprintf("UPDATE %s.%s SET %s WHERE %s = $%d;",
		schema, rc.Table, strings.Join(assignments, ", "), rc.Primary, len(values))
	if _, err = rtx.tx.Exec(query, values...); err != nil {
		rlog.WithError(err).Errorf("Error 4733: cannot execute query `%s`", query)
		http.Error(w, "Error 4733", http.StatusInternalServerError)
		return
	}

	if rc.PublicFlag {
		if err = b.syncPublicAccess(rtx, ref, state, publicFlag); err != nil {
			rlog.WithError(err).Errorln("Error 4731: cannot sync public access")
			http.Error(w, "Error 4731", http.StatusInternalServerError)
			return
		}
	}
	if err = b.attachManyRelations(rtx, rc, id, body); err != nil {
		rlog.WithError(err).Errorln("Error 4732: cannot attach relations")
		http.Error(w, "Error 4732", http.StatusInternalServerError)
		return
	}

	object, err := b.readObject(rtx.tx, rc, id)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
		http.Error(w, "Error 4727", http.StatusInternalServerError)
		return
	}
	if err = b.dehydrate(rtx.tx, rc, principal, object); err != nil {
		rlog.WithError(err).Errorln("Error 4726: cannot dehydrate")
		http.Error(w, "Error 4726", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.MarshalWithOption(object, json.DisableHTMLEscape())
	rtx.notify(rc.Resource, core.OperationUpdate, jsonData)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func (b *Backend) deleteWithAuth(w http.ResponseWriter, r *http.Request, rc *resourceConfiguration) {
	rlog := logger.FromContext(r.Context())
	principal := access.PrincipalFromContext(r.Context())
	rtx := txFromContext(r.Context())
	schema := b.db.Schema

	id, err := strconv.ParseInt(mux.Vars(r)[rc.Primary], 10, 64)
	if err != nil {
		http.Error(w, "broken primary identifier", http.StatusBadRequest)
		return
	}

	ref := access.Ref{Kind: access.Kind(rc.Resource), ID: id}
	if rc.Owned {
		state, err := b.currentVersionState(rtx, rc, id)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4728: cannot read version state")
			http.Error(w, "Error 4728", http.StatusInternalServerError)
			return
		}
		if !state.exists {
			http.Error(w, "no such "+rc.Resource, http.StatusNotFound)
			return
		}
		if err = b.policy.Authorize(rtx.tx, principal, ref, core.PermissionDelete); err != nil {
			writeError(w, r, err)
			return
		}
	} else {
		var one int
		query := fmt.Sprintf("SELECT 1 FROM %s.%s WHERE %s = $1 FOR UPDATE;",
			schema, rc.Table, rc.Primary)
		err = rtx.tx.QueryRow(query, id).Scan(&one)
		if err == csql.ErrNoRows {
			http.Error(w, "no such "+rc.Resource, http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorln("Error 4727: cannot QueryRow")
			http.Error(w, "Error 4727", http.StatusInternalServerError)
			return
		}
	}

	for i := range rc.Relations {
		rel := &rc.Relations[i]
		if !rel.Many {
			continue
		}
		query := fmt.Sprintf("DELETE FROM %s.%s WHERE %s = $1;", schema, rel.JoinTable, rel.ThisColumn)
		if _, err = rtx.tx.Exec(query, id); err != nil {
			rlog.WithError(err).Errorf("Error 4734: cannot execute query `%s`", query)
			http.Error(w, "Error 4734", http.StatusInternalServerError)
			return
		}
	}
	if err = b.provisioner.DeleteEntityAccess(rtx.tx, ref); err != nil {
		rlog.WithError(err).Errorln("Error 4735: cannot delete access entries")
		http.Error(w, "Error 4735", http.StatusInternalServerError)
		return
	}
	query := fmt.Sprintf("DELETE FROM %s.%s WHERE %s = $1;", schema, rc.Table, rc.Primary)
	if _, err = rtx.tx.Exec(query, id); err != nil {
		rlog.WithError(err).Errorf("Error 4736: cannot execute query `%s`", query)
		http.Error(w, "Error 4736", http.StatusInternalServerError)
		return
	}
	if b.blobDriver != nil && rc.WithContent {
		// best effort, the blob may never have been uploaded
		b.blobDriver.Delete(r.Context(), blobKey(rc, id))
	}

	jsonData, _ := json.Marshal(map[string]interface{}{rc.Primary: id})
	rtx.notify(rc.Resource, core.OperationDelete, jsonData)
	w.WriteHeader(http.StatusNoContent)
}

// attachManyRelations processes the to-many relation arrays of a
// payload. Attachment is get-or-create only: listed targets gain a join
// row if they lack one, targets absent from the payload are left alone.
// Free-text relations take arrays of names and create unknown names on
// the fly; concurrent creation races collapse on the name's unique
// constraint.
func (b *Backend) attachManyRelations(rtx *requestTx, rc *resourceConfiguration, id int64, body map[string]interface{}) error {
	schema := b.db.Schema
	for i := range rc.Relations {
		rel := &rc.Relations[i]
		if !rel.Many {
			continue
		}
		array, ok := body[rel.Name].([]interface{})
		if !ok {
			continue
		}
		related, _ := b.config.resource(rel.Resource)
		for _, value := range array {
			var relatedID int64
			if rel.FreeText {
				name, ok := value.(string)
				if !ok {
					return fmt.Errorf("relation %s takes an array of names", rel.Name)
				}
				_, err := rtx.tx.Exec(fmt.Sprintf(
					"INSERT INTO %s.%s (name) VALUES($1) ON CONFLICT (name) DO NOTHING;",
					schema, related.Table), name)
				if err != nil {
					return err
				}
				err = rtx.tx.QueryRow(fmt.Sprintf(
					"SELECT %s FROM %s.%s WHERE name = $1;",
					related.Primary, schema, related.Table), name).Scan(&relatedID)
				if err != nil {
					return err
				}
			} else {
				var ok bool
				relatedID, ok = int64Value(value)
				if !ok {
					return fmt.Errorf("relation %s takes an array of identifiers", rel.Name)
				}
			}
			_, err := rtx.tx.Exec(fmt.Sprintf(
				"INSERT INTO %s.%s (%s, %s) VALUES($1,$2) ON CONFLICT (%s, %s) DO NOTHING;",
				schema, rel.JoinTable, rel.ThisColumn, rel.JoinColumn, rel.ThisColumn, rel.JoinColumn),
				id, relatedID)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ownerFromBody returns the intended owner of a new object: an explicit
// user_id in the payload, otherwise the principal itself.
func ownerFromBody(body map[string]interface{}, principal *access.Principal) int64 {
	if id, ok := int64Value(body["user_id"]); ok {
		return id
	}
	if principal != nil {
		return principal.UserID
	}
	return 0
}

func int64Value(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}

func bytesToEtag(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

func bytesPlusTotalCountToEtag(data []byte, totalCount int) string {
	return fmt.Sprintf("\"%x %d\"", md5.Sum(data), totalCount)
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
