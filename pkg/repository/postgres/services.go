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
	"context"
	"database/sql"
	stderrors "errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const serviceColumns = `id, display_name, owner_team_id, environments, lifecycle, tags, created_by, version, created_at, updated_at`

type serviceRow struct {
	ID           string        `db:"id"`
	DisplayName  string        `db:"display_name"`
	OwnerTeamID  string        `db:"owner_team_id"`
	Environments jsonStrings   `db:"environments"`
	Lifecycle    string        `db:"lifecycle"`
	Tags         jsonStringMap `db:"tags"`
	CreatedBy    string        `db:"created_by"`
	Version      int64         `db:"version"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

func (r serviceRow) toService() *v1.ApplicationService {
	return &v1.ApplicationService{
		ID:           v1.ServiceID(r.ID),
		DisplayName:  r.DisplayName,
		OwnerTeamID:  v1.TeamID(r.OwnerTeamID),
		Environments: r.Environments,
		Lifecycle:    v1.Lifecycle(r.Lifecycle),
		Tags:         r.Tags,
		CreatedBy:    v1.UserID(r.CreatedBy),
		Version:      r.Version,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type services struct{ store *Store }

func (r *services) Save(ctx context.Context, service *v1.ApplicationService) error {
	now := r.store.clk.Now()
	createdAt := service.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	// The version column belongs to the database: inserts start at 1 and every
	// replace bumps it, regardless of what the caller's struct says.
	row := r.store.ext.QueryRowxContext(ctx, `
		INSERT INTO services (id, display_name, owner_team_id, environments, lifecycle, tags, created_by, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			owner_team_id = excluded.owner_team_id,
			environments = excluded.environments,
			lifecycle = excluded.lifecycle,
			tags = excluded.tags,
			version = services.version + 1,
			updated_at = excluded.updated_at
		RETURNING version, created_at, updated_at`,
		string(service.ID), service.DisplayName, string(service.OwnerTeamID),
		jsonStrings(service.Environments), string(service.Lifecycle), jsonStringMap(service.Tags),
		string(service.CreatedBy), createdAt, now)
	if err := row.Scan(&service.Version, &service.CreatedAt, &service.UpdatedAt); err != nil {
		return pgError("services.Save", err)
	}
	return nil
}

func (r *services) FindByID(ctx context.Context, id v1.ServiceID) (*v1.ApplicationService, error) {
	var row serviceRow
	err := sqlx.GetContext(ctx, r.store.ext, &row,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, string(id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.NotFound, "services.FindByID", "service_not_found", "service %q not found", id)
	}
	if err != nil {
		return nil, pgError("services.FindByID", err)
	}
	return row.toService(), nil
}

func (r *services) FindByDisplayNames(ctx context.Context, names []string) ([]*v1.ApplicationService, error) {
	if len(names) == 0 {
		return nil, nil
	}
	cond := &conditions{}
	cond.in("display_name", names)
	var rows []serviceRow
	err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+serviceColumns+` FROM services`+cond.where()+` ORDER BY id`, cond.args...)
	if err != nil {
		return nil, pgError("services.FindByDisplayNames", err)
	}
	return lo.Map(rows, func(row serviceRow, _ int) *v1.ApplicationService { return row.toService() }), nil
}

func (r *services) FindIDsByOwnerTeams(ctx context.Context, teams []v1.TeamID) ([]v1.ServiceID, error) {
	if len(teams) == 0 {
		return nil, nil
	}
	cond := &conditions{}
	cond.in("owner_team_id", lo.Map(teams, func(team v1.TeamID, _ int) string { return string(team) }))
	cond.raw("owner_team_id <> ''")
	var ids []v1.ServiceID
	err := sqlx.SelectContext(ctx, r.store.ext, &ids,
		`SELECT id FROM services`+cond.where()+` ORDER BY id`, cond.args...)
	if err != nil {
		return nil, pgError("services.FindIDsByOwnerTeams", err)
	}
	return ids, nil
}

var serviceSortColumns = map[string]string{
	"id":            "id",
	"display_name":  "display_name",
	"owner_team_id": "owner_team_id",
	"lifecycle":     "lifecycle",
	"created_at":    "created_at",
	"updated_at":    "updated_at",
}

func (r *services) FindAll(ctx context.Context, criteria repository.ServiceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApplicationService], error) {
	order, err := orderBy("services.FindAll", sorts, serviceSortColumns)
	if err != nil {
		return repository.Page[*v1.ApplicationService]{}, err
	}
	if criteria.Scope.Empty() {
		return repository.NewPage[*v1.ApplicationService](nil, 0, paging), nil
	}
	cond := &conditions{}
	cond.scope("id", criteria.Scope)
	if criteria.OwnerTeamID != nil {
		cond.add("owner_team_id = $%d", string(*criteria.OwnerTeamID))
	}
	if criteria.Lifecycle != nil {
		cond.add("lifecycle = $%d", string(*criteria.Lifecycle))
	}
	if criteria.Environment != "" {
		// A service with no declared environments accepts any.
		cond.add("(environments IS NULL OR environments @> $%d)", jsonStrings{criteria.Environment})
	}
	if criteria.DisplayNameContains != "" {
		cond.add("display_name ILIKE $%d", "%"+escapeLike(criteria.DisplayNameContains)+"%")
	}
	if criteria.Orphaned != nil {
		if *criteria.Orphaned {
			cond.raw("owner_team_id = ''")
		} else {
			cond.raw("owner_team_id <> ''")
		}
	}

	var total int64
	if err := sqlx.GetContext(ctx, r.store.ext, &total,
		`SELECT COUNT(*) FROM services`+cond.where(), cond.args...); err != nil {
		return repository.Page[*v1.ApplicationService]{}, pgError("services.FindAll", err)
	}
	var rows []serviceRow
	if err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+serviceColumns+` FROM services`+cond.where()+order+limitOffset(paging), cond.args...); err != nil {
		return repository.Page[*v1.ApplicationService]{}, pgError("services.FindAll", err)
	}
	content := lo.Map(rows, func(row serviceRow, _ int) *v1.ApplicationService { return row.toService() })
	return repository.NewPage(content, total, paging), nil
}

func (r *services) DeleteByID(ctx context.Context, id v1.ServiceID) error {
	result, err := r.store.ext.ExecContext(ctx, `DELETE FROM services WHERE id = $1`, string(id))
	n, err := rowsAffected("services.DeleteByID", result, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.NotFound, "services.DeleteByID", "service_not_found", "service %q not found", id)
	}
	return nil
}

func (r *services) UpdateOwnerCAS(ctx context.Context, id v1.ServiceID, newOwner v1.TeamID, expectedVersion int64) (bool, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE services SET owner_team_id = $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $4`,
		string(id), string(newOwner), r.store.clk.Now(), expectedVersion)
	n, err := rowsAffected("services.UpdateOwnerCAS", result, err)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Zero rows is either a version race or a missing service; only the
	// latter is an error.
	var exists bool
	if err := sqlx.GetContext(ctx, r.store.ext, &exists,
		`SELECT EXISTS (SELECT 1 FROM services WHERE id = $1)`, string(id)); err != nil {
		return false, pgError("services.UpdateOwnerCAS", err)
	}
	if !exists {
		return false, errors.New(errors.NotFound, "services.UpdateOwnerCAS", "service_not_found", "service %q not found", id)
	}
	return false, nil
}

// escapeLike neutralizes LIKE wildcards in user-supplied fragments.
func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
