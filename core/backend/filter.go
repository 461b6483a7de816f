package backend

import (
	"fmt"
	"strings"

	"github.com/petrodata/petrodb/core"
	"github.com/petrodata/petrodb/core/access"
)

// The first-order filter guard. Filter expressions have the form
//
//	field[__relation-traversal][__operator]=value
//
// split on the double underscore. The first segment must name a
// whitelisted field or relation of the resource. One relationship hop
// is permitted; a segment that names a relationship on the related
// resource is rejected outright, so a caller cannot chain joins through
// tables it has no business reading. Accepted relationship filters get
// the policy evaluator's read scope conjoined into the subquery for the
// related table.

var filterOperators = map[string]string{
	"exact":     "=",
	"lt":        "<",
	"lte":       "<=",
	"gt":        ">",
	"gte":       ">=",
	"contains":  "LIKE",
	"icontains": "ILIKE",
	"in":        "IN",
}

// filterExpression is one parsed and validated filter.
type filterExpression struct {
	// column on the resource's own table; empty for relation filters
	column string
	// relation filter: the traversed relation and the column on the
	// related table (empty means the related primary key)
	relation      *relationConfiguration
	relatedColumn string
	operator      string
	values        []string
}

// parseFilterExpression validates one filter expression against the
// resource's whitelist and the first-order restriction.
func (b *Backend) parseFilterExpression(rc *resourceConfiguration, expr, value string) (filterExpression, error) {
	fe := filterExpression{operator: "="}
	segments := strings.Split(expr, "__")
	name := segments[0]
	segments = segments[1:]

	if !rc.filterable(name) {
		return fe, fmt.Errorf("%w: unknown or non-filterable field '%s'", core.ErrInvalidFilter, name)
	}

	if rel, ok := rc.relation(name); ok {
		fe.relation = &rel
		related, _ := b.config.resource(rel.Resource)
		// optional one hop into a field of the related resource
		if len(segments) > 0 {
			if _, isOperator := filterOperators[segments[0]]; !isOperator {
				next := segments[0]
				if _, isRelation := related.relation(next); isRelation {
					return fe, fmt.Errorf("%w: second-order relationship traversal is not allowed", core.ErrInvalidFilter)
				}
				if _, isField := related.field(next); !isField && next != related.Primary {
					return fe, fmt.Errorf("%w: unknown field '%s' on %s", core.ErrInvalidFilter, next, rel.Resource)
				}
				fe.relatedColumn = next
				segments = segments[1:]
			}
		}
	} else {
		// plain field on this resource
		fe.column = name
	}

	if len(segments) > 0 {
		operator, ok := filterOperators[segments[0]]
		if !ok {
			return fe, fmt.Errorf("%w: unknown operator '%s'", core.ErrInvalidFilter, segments[0])
		}
		fe.operator = operator
		segments = segments[1:]
	}
	if len(segments) > 0 {
		return fe, fmt.Errorf("%w: trailing segments in '%s'", core.ErrInvalidFilter, expr)
	}

	switch fe.operator {
	case "IN":
		fe.values = strings.Split(value, ",")
	case "LIKE", "ILIKE":
		fe.values = []string{"%" + value + "%"}
	default:
		fe.values = []string{value}
	}
	return fe, nil
}

// filterSQL renders the expression into a WHERE fragment with
// placeholders starting at argIndex. Relationship filters against owned
// resources get the principal's read scope conjoined, so filtering can
// never leak rows the principal could not list directly.
func (b *Backend) filterSQL(rc *resourceConfiguration, fe filterExpression, principal *access.Principal, argIndex int) (string, []interface{}) {
	comparison := func(column string, argIndex int, values []string) (string, []interface{}) {
		args := make([]interface{}, len(values))
		placeholders := make([]string, len(values))
		for i, v := range values {
			args[i] = v
			placeholders[i] = fmt.Sprintf("$%d", argIndex+i)
		}
		if fe.operator == "IN" {
			return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ",")), args
		}
		return fmt.Sprintf("%s %s %s", column, fe.operator, placeholders[0]), args
	}

	if fe.relation == nil {
		return comparison(rc.Table+"."+fe.column, argIndex, fe.values)
	}

	rel := fe.relation
	related, _ := b.config.resource(rel.Resource)
	relatedColumn := fe.relatedColumn
	if relatedColumn == "" {
		relatedColumn = related.Primary
	}

	condition, args := comparison(related.Table+"."+relatedColumn, argIndex, fe.values)
	argIndex += len(args)
	if related.Owned {
		scope, scopeArgs := b.policy.ReadScope(principal, access.Kind(related.Resource),
			related.Table+"."+related.Primary, argIndex)
		condition += " AND " + scope
		args = append(args, scopeArgs...)
	}

	schema := b.db.Schema
	if rel.Many {
		return fmt.Sprintf(`%s.%s IN (SELECT %s.%s FROM %s.%s JOIN %s.%s ON %s.%s = %s.%s WHERE %s)`,
			rc.Table, rc.Primary,
			rel.JoinTable, rel.ThisColumn,
			schema, rel.JoinTable,
			schema, related.Table,
			related.Table, related.Primary, rel.JoinTable, rel.JoinColumn,
			condition), args
	}
	return fmt.Sprintf(`%s.%s IN (SELECT %s.%s FROM %s.%s WHERE %s)`,
		rc.Table, rel.Column,
		related.Table, related.Primary,
		schema, related.Table,
		condition), args
}

// parseOrderBy validates the order_by parameter against the resource's
// sorting whitelist. A leading minus selects descending order.
func parseOrderBy(rc *resourceConfiguration, value string) (string, bool, error) {
	descending := strings.HasPrefix(value, "-")
	name := strings.TrimPrefix(value, "-")
	if !rc.sortable(name) {
		return "", false, fmt.Errorf("%w: cannot order by '%s'", core.ErrInvalidSort, name)
	}
	return name, descending, nil
}
