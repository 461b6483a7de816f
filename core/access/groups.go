package access

import (
	"database/sql"
	"fmt"

	"github.com/petrodata/petrodb/core/csql"
)

// PublicGroupDefaultName is the name of the public group that gets
// created on demand when none exists.
const PublicGroupDefaultName = "public_group"

// PersonalGroupPrefix prefixes the deterministic name of a user's
// personal group.
const PersonalGroupPrefix = "user_group_"

// group kinds
const (
	GroupKindPublic   = "public"
	GroupKindPersonal = "personal"
	GroupKindProject  = "project"
)

// Queryer is the query interface shared by *sql.DB and *sql.Tx. The
// provisioner and the policy evaluator run against whichever the caller
// is in; mutating operations must pass the request transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// CreateTables creates the access control relations if they do not
// exist yet: groups, group membership and access control entries.
func CreateTables(db *csql.DB) {
	schema := db.Schema
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + schema + `.groups
(group_id BIGSERIAL,
name VARCHAR NOT NULL UNIQUE,
group_type VARCHAR NOT NULL,
owner_id BIGINT,
PRIMARY KEY(group_id)
);
CREATE table IF NOT EXISTS ` + schema + `.group_members
(group_id BIGINT NOT NULL,
user_id BIGINT NOT NULL,
PRIMARY KEY(group_id, user_id)
);
CREATE table IF NOT EXISTS ` + schema + `.group_access
(id BIGSERIAL,
group_id BIGINT NOT NULL,
entity_kind VARCHAR NOT NULL,
entity_id BIGINT NOT NULL,
read_access BOOLEAN NOT NULL,
write_access BOOLEAN NOT NULL,
PRIMARY KEY(id),
UNIQUE(group_id, entity_kind, entity_id)
);`)
	if err != nil {
		panic(err)
	}
}

// Provisioner maintains the group invariants: exactly one personal
// group per verified user, every user a member of all public groups,
// and an owner grant for every newly created owned entity.
//
// All operations are idempotent and expect to run inside the request
// transaction so they serialize through row locks.
type Provisioner struct {
	Schema string
}

// PublicGroupIDs returns the ids of all public groups, creating the
// default public group if none exists. The rows are locked FOR UPDATE
// when forUpdate is set, so concurrent provisioning of the same user or
// entity serializes.
func (p Provisioner) PublicGroupIDs(q Queryer, forUpdate bool) ([]int64, error) {
	query := `SELECT group_id FROM ` + p.Schema + `.groups WHERE group_type=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	ids, err := scanIDs(q, query+`;`, GroupKindPublic)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}
	// none exist, create the default one
	var id int64
	err = q.QueryRow(`INSERT INTO `+p.Schema+`.groups(name, group_type)
VALUES($1,$2)
ON CONFLICT (name) DO UPDATE SET group_type=$2
RETURNING group_id;`, PublicGroupDefaultName, GroupKindPublic).Scan(&id)
	if err != nil {
		return nil, err
	}
	return []int64{id}, nil
}

// EnsurePersonalGroup locates the personal groups owned by the user. If
// there is not exactly one, all found groups are deleted and a single
// group named from the user's identity is created with the user as its
// sole member. Returns the personal group id.
func (p Provisioner) EnsurePersonalGroup(q Queryer, userID int64, userName string) (int64, error) {
	ids, err := scanIDs(q,
		`SELECT group_id FROM `+p.Schema+`.groups WHERE group_type=$1 AND owner_id=$2 FOR UPDATE;`,
		GroupKindPersonal, userID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 1 {
		// make sure the owner is a member, previous runs may have been interrupted
		_, err = q.Exec(`INSERT INTO `+p.Schema+`.group_members(group_id, user_id)
VALUES($1,$2) ON CONFLICT DO NOTHING;`, ids[0], userID)
		return ids[0], err
	}

	// zero or redundant groups: collapse into exactly one
	for _, id := range ids {
		if _, err = q.Exec(`DELETE FROM `+p.Schema+`.group_members WHERE group_id=$1;`, id); err != nil {
			return 0, err
		}
		if _, err = q.Exec(`DELETE FROM `+p.Schema+`.group_access WHERE group_id=$1;`, id); err != nil {
			return 0, err
		}
		if _, err = q.Exec(`DELETE FROM `+p.Schema+`.groups WHERE group_id=$1;`, id); err != nil {
			return 0, err
		}
	}

	var groupID int64
	err = q.QueryRow(`INSERT INTO `+p.Schema+`.groups(name, group_type, owner_id)
VALUES($1,$2,$3) RETURNING group_id;`,
		PersonalGroupPrefix+userName, GroupKindPersonal, userID).Scan(&groupID)
	if err != nil {
		return 0, fmt.Errorf("cannot create personal group for user %d: %w", userID, err)
	}
	_, err = q.Exec(`INSERT INTO `+p.Schema+`.group_members(group_id, user_id)
VALUES($1,$2);`, groupID, userID)
	return groupID, err
}

// EnsurePublicMembership adds the user to every public group it is not
// already in.
func (p Provisioner) EnsurePublicMembership(q Queryer, userID int64) error {
	ids, err := p.PublicGroupIDs(q, true)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err = q.Exec(`INSERT INTO `+p.Schema+`.group_members(group_id, user_id)
VALUES($1,$2) ON CONFLICT DO NOTHING;`, id, userID)
		if err != nil {
			return err
		}
	}
	return nil
}

// EnsureOwnerAccess grants the owner's personal group read and write on
// the entity, unless such an entry already exists. Called after an
// owned entity is first persisted.
func (p Provisioner) EnsureOwnerAccess(q Queryer, ownerID int64, ownerName string, ref Ref) error {
	groupID, err := p.EnsurePersonalGroup(q, ownerID, ownerName)
	if err != nil {
		return err
	}
	// get-or-create, concurrent creation races collapse on the unique index
	_, err = q.Exec(`INSERT INTO `+p.Schema+`.group_access(group_id, entity_kind, entity_id, read_access, write_access)
VALUES($1,$2,$3,true,true)
ON CONFLICT (group_id, entity_kind, entity_id) DO NOTHING;`, groupID, string(ref.Kind), ref.ID)
	return err
}

// DeleteEntityAccess removes all access control entries for the entity.
// Called when an owned entity is deleted.
func (p Provisioner) DeleteEntityAccess(q Queryer, ref Ref) error {
	_, err := q.Exec(`DELETE FROM `+p.Schema+`.group_access WHERE entity_kind=$1 AND entity_id=$2;`,
		string(ref.Kind), ref.ID)
	return err
}

func scanIDs(q Queryer, query string, args ...interface{}) ([]int64, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
