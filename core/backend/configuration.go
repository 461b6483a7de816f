package backend

import (
	"fmt"

	"github.com/petrodata/petrodb/core"
)

// Configuration holds a complete backend configuration
type Configuration struct {
	Resources []resourceConfiguration `json:"resources"`
}

// resourceConfiguration describes one REST resource backed by one table.
//
// Resources must be declared dependencies-first: a resource can only
// reference resources declared before it, otherwise the generated
// foreign keys cannot be created.
type resourceConfiguration struct {
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
	// Table defaults to the plural of the resource name.
	Table string `json:"table,omitempty"`
	// Primary defaults to "<resource>_id".
	Primary string `json:"primary,omitempty"`
	// Owned resources carry an owner, a version counter and row-level
	// access control entries.
	Owned bool `json:"owned,omitempty"`
	// PublicFlag declares the public_data Y/N column and enables the
	// public sync rule.
	PublicFlag bool `json:"public_flag,omitempty"`
	// Methods whitelists HTTP methods; default is GET only for plain
	// resources and GET/POST/PUT/DELETE for owned ones.
	Methods   []string                `json:"methods,omitempty"`
	Fields    []fieldConfiguration    `json:"fields"`
	Relations []relationConfiguration `json:"relations,omitempty"`
	// Filterable lists the fields and relation names that may appear in
	// filter expressions.
	Filterable []string `json:"filterable,omitempty"`
	// Sortable lists the fields accepted by order_by.
	Sortable []string `json:"sortable,omitempty"`
	// Excluded fields are stored but never serialized.
	Excluded []string `json:"excluded,omitempty"`
	// ServerManaged fields are never taken from payloads, the backend
	// assigns their values. Payload keys for them are silently ignored.
	ServerManaged []string `json:"server_managed,omitempty"`
	// SchemaID selects a JSON schema to validate mutating payloads.
	SchemaID string `json:"schema_id,omitempty"`
	// WithContent adds binary up/download routes backed by the blob
	// store, e.g. for image files.
	WithContent bool `json:"with_content,omitempty"`
}

// fieldConfiguration describes one storage column.
type fieldConfiguration struct {
	Name string `json:"name"`
	// Type is one of integer, bigint, float, text, char, timestamp, bool.
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
	Unique  bool   `json:"unique,omitempty"`
	Default string `json:"default,omitempty"`
}

// relationConfiguration describes a relationship to another resource.
// To-one relations live in a foreign key column on this resource's
// table; to-many relations live in a join table.
type relationConfiguration struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	Many     bool   `json:"many,omitempty"`
	// Column is the to-one foreign key column, default "<name>_id".
	Column string `json:"column,omitempty"`
	// JoinTable is the to-many join table, default
	// "<this>_<plural of name>".
	JoinTable string `json:"join_table,omitempty"`
	// JoinColumn references the related primary key inside the join
	// table, default "<related resource>_id".
	JoinColumn string `json:"join_column,omitempty"`
	// ThisColumn references this resource's primary key inside the join
	// table, default "<this resource>_id".
	ThisColumn string `json:"this_column,omitempty"`
	// FreeText relations take arrays of names in payloads; unknown
	// names are created on the fly in the related table.
	FreeText bool `json:"free_text,omitempty"`
	// Nullable marks a to-one relation whose column may be NULL.
	Nullable bool `json:"nullable,omitempty"`
}

func (rc *resourceConfiguration) applyDefaults() {
	if rc.Table == "" {
		rc.Table = core.Plural(rc.Resource)
	}
	if rc.Primary == "" {
		rc.Primary = rc.Resource + "_id"
	}
	if len(rc.Methods) == 0 {
		if rc.Owned {
			rc.Methods = []string{"get", "post", "put", "delete"}
		} else {
			rc.Methods = []string{"get"}
		}
	}
	for i := range rc.Relations {
		rel := &rc.Relations[i]
		if rel.Many {
			if rel.JoinTable == "" {
				rel.JoinTable = rc.Resource + "_" + core.Plural(rel.Name)
			}
			if rel.JoinColumn == "" {
				rel.JoinColumn = rel.Resource + "_id"
			}
			if rel.ThisColumn == "" {
				rel.ThisColumn = rc.Resource + "_id"
			}
		} else if rel.Column == "" {
			rel.Column = rel.Name + "_id"
		}
	}
}

func (rc *resourceConfiguration) methodAllowed(method string) bool {
	for _, m := range rc.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (rc *resourceConfiguration) field(name string) (fieldConfiguration, bool) {
	for _, f := range rc.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return fieldConfiguration{}, false
}

func (rc *resourceConfiguration) relation(name string) (relationConfiguration, bool) {
	for _, rel := range rc.Relations {
		if rel.Name == name {
			return rel, true
		}
	}
	return relationConfiguration{}, false
}

func (rc *resourceConfiguration) filterable(name string) bool {
	for _, f := range rc.Filterable {
		if f == name {
			return true
		}
	}
	return false
}

func (rc *resourceConfiguration) sortable(name string) bool {
	for _, f := range rc.Sortable {
		if f == name {
			return true
		}
	}
	return false
}

func (rc *resourceConfiguration) serverManagedField(name string) bool {
	for _, f := range rc.ServerManaged {
		if f == name {
			return true
		}
	}
	return false
}

func (rc *resourceConfiguration) excludedField(name string) bool {
	for _, f := range rc.Excluded {
		if f == name {
			return true
		}
	}
	return false
}

func (c *Configuration) validate() error {
	seen := map[string]bool{}
	for i := range c.Resources {
		rc := &c.Resources[i]
		if rc.Resource == "" {
			return fmt.Errorf("resource without a name")
		}
		if seen[rc.Resource] {
			return fmt.Errorf("duplicate resource %s", rc.Resource)
		}
		rc.applyDefaults()
		for _, f := range rc.Fields {
			if sqlType(f.Type) == "" {
				return fmt.Errorf("resource %s: field %s has unknown type %s", rc.Resource, f.Name, f.Type)
			}
		}
		for _, rel := range rc.Relations {
			if !seen[rel.Resource] && rel.Resource != rc.Resource {
				return fmt.Errorf("resource %s: relation %s references undeclared resource %s (declare dependencies first)",
					rc.Resource, rel.Name, rel.Resource)
			}
		}
		for _, name := range rc.Filterable {
			_, isField := rc.field(name)
			_, isRelation := rc.relation(name)
			implicit := name == rc.Primary || (rc.PublicFlag && name == "public_data") || (rc.Owned && name == "version")
			if !isField && !isRelation && !implicit {
				return fmt.Errorf("resource %s: filterable %s is neither field nor relation", rc.Resource, name)
			}
		}
		for _, name := range rc.ServerManaged {
			if _, ok := rc.field(name); !ok {
				return fmt.Errorf("resource %s: server managed %s is not a field", rc.Resource, name)
			}
		}
		for _, name := range rc.Sortable {
			_, isField := rc.field(name)
			implicit := name == rc.Primary || (rc.Owned && name == "version")
			if !isField && !implicit {
				return fmt.Errorf("resource %s: sortable %s has no storage attribute", rc.Resource, name)
			}
		}
		seen[rc.Resource] = true
	}
	return nil
}

func (c *Configuration) resource(name string) (*resourceConfiguration, bool) {
	for i := range c.Resources {
		if c.Resources[i].Resource == name {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

func sqlType(fieldType string) string {
	switch fieldType {
	case "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	case "text":
		return "VARCHAR"
	case "char":
		return "CHAR(1)"
	case "timestamp":
		return "TIMESTAMP"
	case "bool":
		return "BOOLEAN"
	}
	return ""
}
