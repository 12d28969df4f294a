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
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const instanceColumns = `id, service_id, service_name, team_id, host, port, environment, version,
	expected_hash, config_hash, last_applied_hash, status, has_drift, drift_detected_at,
	last_seen_at, created_at, updated_at`

type instanceRow struct {
	ID              string     `db:"id"`
	ServiceID       string     `db:"service_id"`
	ServiceName     string     `db:"service_name"`
	TeamID          string     `db:"team_id"`
	Host            string     `db:"host"`
	Port            int        `db:"port"`
	Environment     string     `db:"environment"`
	Version         string     `db:"version"`
	ExpectedHash    string     `db:"expected_hash"`
	ConfigHash      string     `db:"config_hash"`
	LastAppliedHash string     `db:"last_applied_hash"`
	Status          string     `db:"status"`
	HasDrift        bool       `db:"has_drift"`
	DriftDetectedAt *time.Time `db:"drift_detected_at"`
	LastSeenAt      time.Time  `db:"last_seen_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r instanceRow) toInstance() *v1.ServiceInstance {
	return &v1.ServiceInstance{
		ID:              v1.InstanceID(r.ID),
		ServiceID:       v1.ServiceID(r.ServiceID),
		ServiceName:     r.ServiceName,
		TeamID:          v1.TeamID(r.TeamID),
		Host:            r.Host,
		Port:            r.Port,
		Environment:     r.Environment,
		Version:         r.Version,
		ExpectedHash:    r.ExpectedHash,
		ConfigHash:      r.ConfigHash,
		LastAppliedHash: r.LastAppliedHash,
		Status:          v1.InstanceStatus(r.Status),
		HasDrift:        r.HasDrift,
		DriftDetectedAt: r.DriftDetectedAt,
		LastSeenAt:      r.LastSeenAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type instances struct{ store *Store }

func (r *instances) Save(ctx context.Context, instance *v1.ServiceInstance) error {
	now := r.store.clk.Now()
	createdAt := instance.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	row := r.store.ext.QueryRowxContext(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			service_id = excluded.service_id,
			service_name = excluded.service_name,
			team_id = excluded.team_id,
			host = excluded.host,
			port = excluded.port,
			environment = excluded.environment,
			version = excluded.version,
			expected_hash = excluded.expected_hash,
			config_hash = excluded.config_hash,
			last_applied_hash = excluded.last_applied_hash,
			status = excluded.status,
			has_drift = excluded.has_drift,
			drift_detected_at = excluded.drift_detected_at,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at
		RETURNING created_at, updated_at`,
		string(instance.ID), string(instance.ServiceID), instance.ServiceName, string(instance.TeamID),
		instance.Host, instance.Port, instance.Environment, instance.Version,
		instance.ExpectedHash, instance.ConfigHash, instance.LastAppliedHash, string(instance.Status),
		instance.HasDrift, instance.DriftDetectedAt, instance.LastSeenAt, createdAt, now)
	if err := row.Scan(&instance.CreatedAt, &instance.UpdatedAt); err != nil {
		return pgError("instances.Save", err)
	}
	return nil
}

func (r *instances) FindByID(ctx context.Context, id v1.InstanceID) (*v1.ServiceInstance, error) {
	var row instanceRow
	err := sqlx.GetContext(ctx, r.store.ext, &row,
		`SELECT `+instanceColumns+` FROM instances WHERE id = $1`, string(id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.NotFound, "instances.FindByID", "instance_not_found", "instance %q not found", id)
	}
	if err != nil {
		return nil, pgError("instances.FindByID", err)
	}
	return row.toInstance(), nil
}

func (r *instances) FindByIDs(ctx context.Context, ids []v1.InstanceID) ([]*v1.ServiceInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cond := &conditions{}
	cond.in("id", lo.Map(ids, func(id v1.InstanceID, _ int) string { return string(id) }))
	var rows []instanceRow
	err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+instanceColumns+` FROM instances`+cond.where()+` ORDER BY id`, cond.args...)
	if err != nil {
		return nil, pgError("instances.FindByIDs", err)
	}
	return lo.Map(rows, func(row instanceRow, _ int) *v1.ServiceInstance { return row.toInstance() }), nil
}

var instanceSortColumns = map[string]string{
	"id":           "id",
	"service_id":   "service_id",
	"service_name": "service_name",
	"environment":  "environment",
	"status":       "status",
	"last_seen_at": "last_seen_at",
	"created_at":   "created_at",
	"updated_at":   "updated_at",
}

func (r *instances) FindAll(ctx context.Context, criteria repository.InstanceCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ServiceInstance], error) {
	order, err := orderBy("instances.FindAll", sorts, instanceSortColumns)
	if err != nil {
		return repository.Page[*v1.ServiceInstance]{}, err
	}
	if criteria.Scope.Empty() {
		return repository.NewPage[*v1.ServiceInstance](nil, 0, paging), nil
	}
	cond := &conditions{}
	cond.scope("service_id", criteria.Scope)
	if criteria.ServiceID != nil {
		cond.add("service_id = $%d", string(*criteria.ServiceID))
	}
	if criteria.ServiceName != "" {
		cond.add("service_name = $%d", criteria.ServiceName)
	}
	if criteria.Environment != "" {
		cond.add("environment = $%d", criteria.Environment)
	}
	if criteria.Status != nil {
		cond.add("status = $%d", string(*criteria.Status))
	}
	if criteria.Drifted != nil {
		cond.add("has_drift = $%d", *criteria.Drifted)
	}
	if criteria.LastSeenBefore != nil {
		cond.add("last_seen_at < $%d", *criteria.LastSeenBefore)
	}

	var total int64
	if err := sqlx.GetContext(ctx, r.store.ext, &total,
		`SELECT COUNT(*) FROM instances`+cond.where(), cond.args...); err != nil {
		return repository.Page[*v1.ServiceInstance]{}, pgError("instances.FindAll", err)
	}
	var rows []instanceRow
	if err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+instanceColumns+` FROM instances`+cond.where()+order+limitOffset(paging), cond.args...); err != nil {
		return repository.Page[*v1.ServiceInstance]{}, pgError("instances.FindAll", err)
	}
	content := lo.Map(rows, func(row instanceRow, _ int) *v1.ServiceInstance { return row.toInstance() })
	return repository.NewPage(content, total, paging), nil
}

func (r *instances) DeleteByID(ctx context.Context, id v1.InstanceID) error {
	result, err := r.store.ext.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, string(id))
	n, err := rowsAffected("instances.DeleteByID", result, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.NotFound, "instances.DeleteByID", "instance_not_found", "instance %q not found", id)
	}
	return nil
}

// BulkUpsert keeps LastSeenAt monotonic in the database: the DO UPDATE only
// fires when the incoming row is at least as fresh, and a guarded-away update
// returns no row at all. RETURNING (xmax = 0) distinguishes a fresh insert
// from an update of an existing row.
func (r *instances) BulkUpsert(ctx context.Context, batch []*v1.ServiceInstance) (repository.BulkResult, error) {
	var result repository.BulkResult
	now := r.store.clk.Now()
	for _, instance := range batch {
		createdAt := instance.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		row := r.store.ext.QueryRowxContext(ctx, `
			INSERT INTO instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			ON CONFLICT (id) DO UPDATE SET
				service_id = excluded.service_id,
				service_name = excluded.service_name,
				team_id = excluded.team_id,
				host = excluded.host,
				port = excluded.port,
				environment = excluded.environment,
				version = excluded.version,
				expected_hash = excluded.expected_hash,
				config_hash = excluded.config_hash,
				last_applied_hash = excluded.last_applied_hash,
				status = excluded.status,
				has_drift = excluded.has_drift,
				drift_detected_at = excluded.drift_detected_at,
				last_seen_at = excluded.last_seen_at,
				updated_at = excluded.updated_at
			WHERE excluded.last_seen_at >= instances.last_seen_at
			RETURNING (xmax = 0) AS inserted`,
			string(instance.ID), string(instance.ServiceID), instance.ServiceName, string(instance.TeamID),
			instance.Host, instance.Port, instance.Environment, instance.Version,
			instance.ExpectedHash, instance.ConfigHash, instance.LastAppliedHash, string(instance.Status),
			instance.HasDrift, instance.DriftDetectedAt, instance.LastSeenAt, createdAt, now)
		var inserted bool
		err := row.Scan(&inserted)
		if stderrors.Is(err, sql.ErrNoRows) {
			// A fresher heartbeat already landed; the stale row loses.
			continue
		}
		if err != nil {
			return result, pgError("instances.BulkUpsert", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Modified++
		}
	}
	return result, nil
}

func (r *instances) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE instances SET team_id = $2, updated_at = $3
		WHERE service_id = $1 AND team_id <> $2`,
		string(serviceID), string(newTeamID), r.store.clk.Now())
	n, err := rowsAffected("instances.BulkUpdateTeamIDByServiceID", result, err)
	return int(n), err
}

func (r *instances) BulkUpdateExpectedHash(ctx context.Context, serviceID v1.ServiceID, environment string, expectedHash string) (int, error) {
	query := `UPDATE instances SET expected_hash = $2, updated_at = $3 WHERE service_id = $1 AND expected_hash <> $2`
	args := []any{string(serviceID), expectedHash, r.store.clk.Now()}
	if environment != "" {
		query += ` AND environment = $4`
		args = append(args, environment)
	}
	result, err := r.store.ext.ExecContext(ctx, query, args...)
	n, err := rowsAffected("instances.BulkUpdateExpectedHash", result, err)
	return int(n), err
}

func (r *instances) MarkUnknownLastSeenBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE instances SET status = $1, updated_at = $2
		WHERE last_seen_at < $3 AND status <> $1`,
		string(v1.InstanceUnknown), r.store.clk.Now(), cutoff)
	n, err := rowsAffected("instances.MarkUnknownLastSeenBefore", result, err)
	return int(n), err
}

func (r *instances) CountByServiceID(ctx context.Context, serviceID v1.ServiceID) (int64, error) {
	var count int64
	if err := sqlx.GetContext(ctx, r.store.ext, &count,
		`SELECT COUNT(*) FROM instances WHERE service_id = $1`, string(serviceID)); err != nil {
		return 0, pgError("instances.CountByServiceID", err)
	}
	return count, nil
}
