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

const driftColumns = `id, service_id, service_name, instance_id, team_id, environment,
	expected_hash, applied_hash, severity, status, detected_at, detected_by,
	resolved_at, resolved_by, notes, dedup_key`

type driftRow struct {
	ID           string     `db:"id"`
	ServiceID    string     `db:"service_id"`
	ServiceName  string     `db:"service_name"`
	InstanceID   string     `db:"instance_id"`
	TeamID       string     `db:"team_id"`
	Environment  string     `db:"environment"`
	ExpectedHash string     `db:"expected_hash"`
	AppliedHash  string     `db:"applied_hash"`
	Severity     string     `db:"severity"`
	Status       string     `db:"status"`
	DetectedAt   time.Time  `db:"detected_at"`
	DetectedBy   string     `db:"detected_by"`
	ResolvedAt   *time.Time `db:"resolved_at"`
	ResolvedBy   string     `db:"resolved_by"`
	Notes        string     `db:"notes"`
	DedupKey     string     `db:"dedup_key"`
}

func (r driftRow) toEvent() *v1.DriftEvent {
	return &v1.DriftEvent{
		ID:           r.ID,
		ServiceID:    v1.ServiceID(r.ServiceID),
		ServiceName:  r.ServiceName,
		InstanceID:   v1.InstanceID(r.InstanceID),
		TeamID:       v1.TeamID(r.TeamID),
		Environment:  r.Environment,
		ExpectedHash: r.ExpectedHash,
		AppliedHash:  r.AppliedHash,
		Severity:     v1.DriftSeverity(r.Severity),
		Status:       v1.DriftStatus(r.Status),
		DetectedAt:   r.DetectedAt,
		DetectedBy:   r.DetectedBy,
		ResolvedAt:   r.ResolvedAt,
		ResolvedBy:   r.ResolvedBy,
		Notes:        r.Notes,
		DedupKey:     r.DedupKey,
	}
}

func driftArgs(event *v1.DriftEvent) []any {
	dedupKey := event.DedupKey
	if dedupKey == "" {
		dedupKey = v1.DriftDedupKey(event.ServiceName, event.InstanceID, event.DetectedAt)
	}
	return []any{
		event.ID, string(event.ServiceID), event.ServiceName, string(event.InstanceID),
		string(event.TeamID), event.Environment, event.ExpectedHash, event.AppliedHash,
		string(event.Severity), string(event.Status), event.DetectedAt, event.DetectedBy,
		event.ResolvedAt, event.ResolvedBy, event.Notes, dedupKey,
	}
}

type driftEvents struct{ store *Store }

// Save upserts by ID. Detection facts are immutable, so the update arm only
// moves the review state.
func (r *driftEvents) Save(ctx context.Context, event *v1.DriftEvent) error {
	_, err := r.store.ext.ExecContext(ctx, `
		INSERT INTO drift_events (`+driftColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			team_id = excluded.team_id,
			severity = excluded.severity,
			status = excluded.status,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			notes = excluded.notes`,
		driftArgs(event)...)
	if err != nil {
		return pgError("driftevents.Save", err)
	}
	return nil
}

func (r *driftEvents) FindByID(ctx context.Context, id string) (*v1.DriftEvent, error) {
	var row driftRow
	err := sqlx.GetContext(ctx, r.store.ext, &row,
		`SELECT `+driftColumns+` FROM drift_events WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.NotFound, "driftevents.FindByID", "drift_event_not_found", "drift event %q not found", id)
	}
	if err != nil {
		return nil, pgError("driftevents.FindByID", err)
	}
	return row.toEvent(), nil
}

var driftSortColumns = map[string]string{
	"id":          "id",
	"service_id":  "service_id",
	"severity":    "severity",
	"status":      "status",
	"detected_at": "detected_at",
	// Drift events are immutable apart from resolution, so the default sort
	// falls back to detection time.
	"updated_at": "detected_at",
}

func (r *driftEvents) FindAll(ctx context.Context, criteria repository.DriftEventCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.DriftEvent], error) {
	order, err := orderBy("driftevents.FindAll", sorts, driftSortColumns)
	if err != nil {
		return repository.Page[*v1.DriftEvent]{}, err
	}
	if criteria.Scope.Empty() {
		return repository.NewPage[*v1.DriftEvent](nil, 0, paging), nil
	}
	cond := &conditions{}
	cond.scope("service_id", criteria.Scope)
	if criteria.ServiceID != nil {
		cond.add("service_id = $%d", string(*criteria.ServiceID))
	}
	if criteria.InstanceID != nil {
		cond.add("instance_id = $%d", string(*criteria.InstanceID))
	}
	if criteria.Environment != "" {
		cond.add("environment = $%d", criteria.Environment)
	}
	if criteria.Severity != nil {
		cond.add("severity = $%d", string(*criteria.Severity))
	}
	if len(criteria.Statuses) > 0 {
		cond.in("status", lo.Map(criteria.Statuses, func(s v1.DriftStatus, _ int) string { return string(s) }))
	}
	if criteria.DetectedAfter != nil {
		cond.add("detected_at > $%d", *criteria.DetectedAfter)
	}
	if criteria.DetectedBefore != nil {
		cond.add("detected_at < $%d", *criteria.DetectedBefore)
	}
	if criteria.Unresolved != nil {
		if *criteria.Unresolved {
			cond.raw(openStatusClause)
		} else {
			cond.raw("NOT (" + openStatusClause + ")")
		}
	}

	var total int64
	if err := sqlx.GetContext(ctx, r.store.ext, &total,
		`SELECT COUNT(*) FROM drift_events`+cond.where(), cond.args...); err != nil {
		return repository.Page[*v1.DriftEvent]{}, pgError("driftevents.FindAll", err)
	}
	var rows []driftRow
	if err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+driftColumns+` FROM drift_events`+cond.where()+order+limitOffset(paging), cond.args...); err != nil {
		return repository.Page[*v1.DriftEvent]{}, pgError("driftevents.FindAll", err)
	}
	content := lo.Map(rows, func(row driftRow, _ int) *v1.DriftEvent { return row.toEvent() })
	return repository.NewPage(content, total, paging), nil
}

// openStatusClause mirrors DriftStatus.Open.
const openStatusClause = `status IN ('DETECTED', 'ACKNOWLEDGED', 'RESOLVING')`

func (r *driftEvents) DeleteByID(ctx context.Context, id string) error {
	result, err := r.store.ext.ExecContext(ctx, `DELETE FROM drift_events WHERE id = $1`, id)
	n, err := rowsAffected("driftevents.DeleteByID", result, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.NotFound, "driftevents.DeleteByID", "drift_event_not_found", "drift event %q not found", id)
	}
	return nil
}

// BulkInsert relies on the dedup_key unique index: a replayed event inserts
// zero rows and counts in neither bucket.
func (r *driftEvents) BulkInsert(ctx context.Context, events []*v1.DriftEvent) (repository.BulkResult, error) {
	var result repository.BulkResult
	for _, event := range events {
		execResult, err := r.store.ext.ExecContext(ctx, `
			INSERT INTO drift_events (`+driftColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			ON CONFLICT (dedup_key) DO NOTHING`,
			driftArgs(event)...)
		n, err := rowsAffected("driftevents.BulkInsert", execResult, err)
		if err != nil {
			return result, err
		}
		result.Inserted += int(n)
	}
	return result, nil
}

func (r *driftEvents) ResolveAllOpen(ctx context.Context, serviceName string, instanceID v1.InstanceID, resolvedBy string, at time.Time) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE drift_events SET status = 'RESOLVED', resolved_at = $3, resolved_by = $4
		WHERE service_name = $1 AND instance_id = $2 AND `+openStatusClause,
		serviceName, string(instanceID), at, resolvedBy)
	n, err := rowsAffected("driftevents.ResolveAllOpen", result, err)
	return int(n), err
}

func (r *driftEvents) BulkUpdateTeamIDByServiceID(ctx context.Context, serviceID v1.ServiceID, newTeamID v1.TeamID) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE drift_events SET team_id = $2 WHERE service_id = $1 AND team_id <> $2`,
		string(serviceID), string(newTeamID))
	n, err := rowsAffected("driftevents.BulkUpdateTeamIDByServiceID", result, err)
	return int(n), err
}

func (r *driftEvents) PurgeResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		DELETE FROM drift_events WHERE status = 'RESOLVED' AND resolved_at < $1`, cutoff)
	n, err := rowsAffected("driftevents.PurgeResolvedBefore", result, err)
	return int(n), err
}
