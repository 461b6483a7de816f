/*Package core contains the operation and permission vocabulary shared by
the access layer and the REST backend, plus the error taxonomy for
request failures.
*/
package core

import (
	"strings"

	"github.com/goccy/go-json"

	"fmt"
)

// Operation represents a backend storage operation, one of Create, Read, Update, Delete, List
type Operation string

// all supported database operations
const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList:
		return nil
	default:
		return fmt.Errorf("%s is not valid Operation", s)
	}
}

// Permission is a row-level permission recorded in an access control entry
// or requested from the policy evaluator.
//
// Delete maps to the write permission: a group that may change a row may
// also remove it.
type Permission string

// all supported permissions
const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionCreate Permission = "create"
	PermissionDelete Permission = "delete"
)

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes
func Plural(singular string) string {
	if strings.HasSuffix(singular, "ysis") {
		return strings.TrimSuffix(singular, "ysis") + "yses"
	}
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	return singular + "s"
}

// Notifier is an interface to receive database change notifications
type Notifier interface {
	Notify(resource string, operation Operation, payload []byte)
}
