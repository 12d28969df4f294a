/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

// conditions accumulates WHERE clauses with $N placeholders. Expressions use
// %d for their placeholder number so clauses stay readable at the call site.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(expr string, value any) {
	c.args = append(c.args, value)
	c.clauses = append(c.clauses, fmt.Sprintf(expr, len(c.args)))
}

func (c *conditions) raw(clause string) {
	c.clauses = append(c.clauses, clause)
}

func (c *conditions) in(column string, values []string) {
	if len(values) == 0 {
		c.raw("FALSE")
		return
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		c.args = append(c.args, v)
		placeholders[i] = fmt.Sprintf("$%d", len(c.args))
	}
	c.clauses = append(c.clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// scope narrows the query to the actor's visible services. The zero scope
// matches nothing; callers short-circuit that case before querying.
func (c *conditions) scope(column string, scope repository.AuthScope) {
	if scope.All {
		return
	}
	c.in(column, serviceIDStrings(scope.ServiceIDs))
}

func serviceIDStrings(ids []v1.ServiceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// orderBy renders the ORDER BY clause through the entity's column whitelist.
// Unknown fields are rejected up front, matching the in-memory adapter.
func orderBy(op string, sorts []repository.Sort, columns map[string]string) (string, error) {
	if len(sorts) == 0 {
		sorts = repository.DefaultSort()
	}
	rendered := make([]string, 0, len(sorts))
	for _, s := range sorts {
		column, ok := columns[s.Field]
		if !ok {
			return "", errors.New(errors.InvalidArgument, op, "sort_field_unknown", "cannot sort by %q", s.Field)
		}
		direction := "ASC"
		if s.Descending {
			direction = "DESC"
		}
		rendered = append(rendered, column+" "+direction)
	}
	return " ORDER BY " + strings.Join(rendered, ", "), nil
}

func limitOffset(paging repository.Paging) string {
	paging = paging.Normalize()
	return fmt.Sprintf(" LIMIT %d OFFSET %d", paging.Size, paging.Offset())
}

// jsonStrings maps a []string onto a JSONB column. Empty slices persist as
// NULL so "no filter" and "unset" stay one state.
type jsonStrings []string

func (j jsonStrings) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return json.Marshal([]string(j))
}

func (j *jsonStrings) Scan(src any) error {
	return scanJSON(src, (*[]string)(j))
}

// jsonStringMap maps a map[string]string onto a JSONB column.
type jsonStringMap map[string]string

func (j jsonStringMap) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]string(j))
}

func (j *jsonStringMap) Scan(src any) error {
	return scanJSON(src, (*map[string]string)(j))
}

// jsonGates maps the required approval gates onto a JSONB column.
type jsonGates []v1.ApprovalGate

func (j jsonGates) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return json.Marshal([]v1.ApprovalGate(j))
}

func (j *jsonGates) Scan(src any) error {
	return scanJSON(src, (*[]v1.ApprovalGate)(j))
}

// jsonPermissions maps a permission set onto a JSONB column.
type jsonPermissions []v1.Permission

func (j jsonPermissions) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return json.Marshal([]v1.Permission(j))
}

func (j *jsonPermissions) Scan(src any) error {
	return scanJSON(src, (*[]v1.Permission)(j))
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
