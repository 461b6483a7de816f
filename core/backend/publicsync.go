package backend

import (
	"github.com/petrodata/petrodb/core/access"
)

// The public/private sync rule keeps an entity's public_data flag
// consistent with its access control entries. It runs inside the write
// pipeline immediately before the row is persisted, and only when the
// flag actually changes relative to the stored row (a created row with
// the default flag is a no-op, a created row that is born public gets
// its entries right away).
//
// On transition to public, every public group lacking an entry for the
// entity gains a read-only one; on transition to private, every public
// group holding an entry loses it. Both directions are idempotent. The
// public group rows are locked FOR UPDATE while reconciling, so two
// concurrent flips of the same entity cannot produce duplicate or
// missing entries.
func (b *Backend) syncPublicAccess(rtx *requestTx, ref access.Ref, stored versionState, newFlag string) error {
	if stored.exists && stored.publicData == newFlag {
		// did not change, nothing to reconcile
		return nil
	}
	if !stored.exists && newFlag != "Y" {
		return nil
	}

	groupIDs, err := b.provisioner.PublicGroupIDs(rtx.tx, true)
	if err != nil {
		return err
	}
	schema := b.db.Schema
	if newFlag == "Y" {
		for _, groupID := range groupIDs {
			_, err = rtx.tx.Exec(`INSERT INTO `+schema+`.group_access(group_id, entity_kind, entity_id, read_access, write_access)
VALUES($1,$2,$3,true,false)
ON CONFLICT (group_id, entity_kind, entity_id) DO NOTHING;`, groupID, string(ref.Kind), ref.ID)
			if err != nil {
				return err
			}
		}
		return nil
	}
	for _, groupID := range groupIDs {
		_, err = rtx.tx.Exec(`DELETE FROM `+schema+`.group_access
WHERE group_id=$1 AND entity_kind=$2 AND entity_id=$3;`, groupID, string(ref.Kind), ref.ID)
		if err != nil {
			return err
		}
	}
	return nil
}
