/*Package access provides row-level access control for the sample archive:
principals, access groups, access control entries, the policy evaluator
and the group provisioner, plus the API-key and JWT middleware that
attach principals to request contexts.
*/
package access

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Kind identifies the table an access control entry points to. Entries
// reference rows polymorphically as (kind, id); the set of kinds is
// closed so the unique (group, kind, id) invariant holds per table.
type Kind string

// all owned entity kinds
const (
	KindSample           Kind = "sample"
	KindSubsample        Kind = "subsample"
	KindChemicalAnalysis Kind = "chemical_analysis"
	KindImage            Kind = "image"
	KindProject          Kind = "project"
)

// Valid returns true if k is a known owned entity kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSample, KindSubsample, KindChemicalAnalysis, KindImage, KindProject:
		return true
	}
	return false
}

// UnmarshalJSON is a custom JSON unmarshaller
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = Kind(s)
	if !k.Valid() {
		return fmt.Errorf("%s is not a valid entity kind", s)
	}
	return nil
}

// Ref is a typed reference to one owned entity row, the target of an
// access control entry.
type Ref struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}
