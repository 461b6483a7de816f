package access

import (
	"fmt"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/csql"
)

// Policy is the access policy evaluator. It is a pure query layer: it
// decides readability and writability from group membership and access
// control entries, and never mutates anything itself.
type Policy struct {
	Schema string
}

// ReadScope returns a SQL predicate selecting exactly the rows of the
// given kind that the principal may read: rows reachable through an
// access control entry with read_access whose group contains the
// principal. Anonymous principals reach rows granted to public groups.
//
// The predicate constrains idColumn (qualified as the caller's query
// requires) and its placeholders start at argIndex.
func (p Policy) ReadScope(principal *Principal, kind Kind, idColumn string, argIndex int) (string, []interface{}) {
	if principal == nil {
		condition := fmt.Sprintf(`%s IN (SELECT ga.entity_id FROM %s.group_access ga
JOIN %s.groups g ON g.group_id = ga.group_id
WHERE ga.entity_kind = $%d AND ga.read_access AND g.group_type = $%d)`,
			idColumn, p.Schema, p.Schema, argIndex, argIndex+1)
		return condition, []interface{}{string(kind), GroupKindPublic}
	}
	condition := fmt.Sprintf(`%s IN (SELECT ga.entity_id FROM %s.group_access ga
JOIN %s.group_members gm ON gm.group_id = ga.group_id
WHERE ga.entity_kind = $%d AND ga.read_access AND gm.user_id = $%d)`,
		idColumn, p.Schema, p.Schema, argIndex, argIndex+1)
	return condition, []interface{}{string(kind), principal.UserID}
}

// Authorize returns nil if some group containing the principal holds an
// access control entry for the entity with the requested permission.
// Otherwise it returns core.ErrUnauthorized: detail operations report
// denial outright, only list scoping narrows silently.
//
// The delete permission maps to write: a write grant implies delete.
func (p Policy) Authorize(q Queryer, principal *Principal, ref Ref, permission core.Permission) error {
	column := "read_access"
	switch permission {
	case core.PermissionRead:
	case core.PermissionWrite, core.PermissionDelete:
		column = "write_access"
	case core.PermissionCreate:
		return fmt.Errorf("create is not a row permission, use AuthorizeCreate")
	default:
		return fmt.Errorf("unknown permission %s", permission)
	}

	var query string
	var args []interface{}
	if principal == nil {
		if permission != core.PermissionRead {
			return core.ErrUnauthorized
		}
		query = `SELECT 1 FROM ` + p.Schema + `.group_access ga
JOIN ` + p.Schema + `.groups g ON g.group_id = ga.group_id
WHERE ga.entity_kind = $1 AND ga.entity_id = $2 AND ga.` + column + ` AND g.group_type = $3;`
		args = []interface{}{string(ref.Kind), ref.ID, GroupKindPublic}
	} else {
		query = `SELECT 1 FROM ` + p.Schema + `.group_access ga
JOIN ` + p.Schema + `.group_members gm ON gm.group_id = ga.group_id
WHERE ga.entity_kind = $1 AND ga.entity_id = $2 AND ga.` + column + ` AND gm.user_id = $3;`
		args = []interface{}{string(ref.Kind), ref.ID, principal.UserID}
	}

	var one int
	err := q.QueryRow(query, args...).Scan(&one)
	if err == csql.ErrNoRows {
		return core.ErrUnauthorized
	}
	return err
}

// AuthorizeCreate checks the coarse create capability: the principal
// must be verified and must be the intended owner of the new row. No
// specific object is involved.
func (p Policy) AuthorizeCreate(principal *Principal, ownerID int64) error {
	if principal == nil || !principal.Verified {
		return core.ErrUnauthorized
	}
	if principal.UserID != ownerID {
		return core.ErrUnauthorized
	}
	return nil
}

// CanRead is the dehydration helper: it reports whether the principal
// may read the referenced entity, without surfacing an error value.
func (p Policy) CanRead(q Queryer, principal *Principal, ref Ref) bool {
	return p.Authorize(q, principal, ref, core.PermissionRead) == nil
}
