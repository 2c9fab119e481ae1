package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rqlite/sql"
)

// DependenciesOf parses a view definition and returns the lower-cased
// relation names it reads from. Common table expressions are not relations
// and are left out.
func DependenciesOf(definition string) ([]string, error) {
	parser := sql.NewParser(strings.NewReader(definition))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, fmt.Errorf("%w: parse definition: %v", ErrInvalidObject, err)
	}

	v := &relationCollector{names: make(map[string]struct{}), ctes: make(map[string]struct{})}
	if _, err := sql.Walk(v, stmt); err != nil {
		return nil, fmt.Errorf("%w: walk definition: %v", ErrInvalidObject, err)
	}

	out := make([]string, 0, len(v.names))
	for name := range v.names {
		if _, ok := v.ctes[name]; ok {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

type relationCollector struct {
	names map[string]struct{}
	ctes  map[string]struct{}
}

func (c *relationCollector) Visit(node sql.Node) (sql.Visitor, sql.Node, error) {
	switch n := node.(type) {
	case *sql.QualifiedTableName:
		// TableName prefers the alias
		if name := sql.IdentName(n.Name); name != "" {
			c.names[strings.ToLower(name)] = struct{}{}
		}
	case *sql.WithClause:
		// Walk does not descend into CTE bodies
		for _, cte := range n.CTEs {
			if cte.TableName != nil {
				c.ctes[strings.ToLower(cte.TableName.Name)] = struct{}{}
			}
			if cte.Select != nil {
				if _, err := sql.Walk(c, cte.Select); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	return c, node, nil
}

func (c *relationCollector) VisitEnd(node sql.Node) (sql.Node, error) {
	return node, nil
}
