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
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const shareColumns = `id, resource_level, service_id, instance_id, grantee_type, grantee_id,
	permissions, environments, expires_at, revoked, created_by, created_at, updated_at`

type shareRow struct {
	ID            string          `db:"id"`
	ResourceLevel string          `db:"resource_level"`
	ServiceID     string          `db:"service_id"`
	InstanceID    string          `db:"instance_id"`
	GranteeType   string          `db:"grantee_type"`
	GranteeID     string          `db:"grantee_id"`
	Permissions   jsonPermissions `db:"permissions"`
	Environments  jsonStrings     `db:"environments"`
	ExpiresAt     *time.Time      `db:"expires_at"`
	Revoked       bool            `db:"revoked"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (r shareRow) toShare() *v1.ServiceShare {
	return &v1.ServiceShare{
		ID:            r.ID,
		ResourceLevel: v1.ResourceLevel(r.ResourceLevel),
		ServiceID:     v1.ServiceID(r.ServiceID),
		InstanceID:    v1.InstanceID(r.InstanceID),
		GranteeType:   v1.GranteeType(r.GranteeType),
		GranteeID:     r.GranteeID,
		Permissions:   r.Permissions,
		Environments:  r.Environments,
		ExpiresAt:     r.ExpiresAt,
		Revoked:       r.Revoked,
		CreatedBy:     v1.UserID(r.CreatedBy),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type shares struct{ store *Store }

func (r *shares) Save(ctx context.Context, share *v1.ServiceShare) error {
	now := r.store.clk.Now()
	createdAt := share.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	row := r.store.ext.QueryRowxContext(ctx, `
		INSERT INTO service_shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			permissions = excluded.permissions,
			environments = excluded.environments,
			expires_at = excluded.expires_at,
			revoked = excluded.revoked,
			updated_at = excluded.updated_at
		RETURNING created_at, updated_at`,
		share.ID, string(share.ResourceLevel), string(share.ServiceID), string(share.InstanceID),
		string(share.GranteeType), share.GranteeID, jsonPermissions(share.Permissions),
		jsonStrings(share.Environments), share.ExpiresAt, share.Revoked, string(share.CreatedBy),
		createdAt, now)
	if err := row.Scan(&share.CreatedAt, &share.UpdatedAt); err != nil {
		return pgError("shares.Save", err)
	}
	return nil
}

func (r *shares) FindByID(ctx context.Context, id string) (*v1.ServiceShare, error) {
	var row shareRow
	err := sqlx.GetContext(ctx, r.store.ext, &row,
		`SELECT `+shareColumns+` FROM service_shares WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.NotFound, "shares.FindByID", "share_not_found", "share %q not found", id)
	}
	if err != nil {
		return nil, pgError("shares.FindByID", err)
	}
	return row.toShare(), nil
}

var shareSortColumns = map[string]string{
	"id":         "id",
	"service_id": "service_id",
	"grantee_id": "grantee_id",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func (r *shares) FindAll(ctx context.Context, criteria repository.ShareCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ServiceShare], error) {
	order, err := orderBy("shares.FindAll", sorts, shareSortColumns)
	if err != nil {
		return repository.Page[*v1.ServiceShare]{}, err
	}
	cond := &conditions{}
	if len(criteria.ServiceIDs) > 0 {
		cond.in("service_id", serviceIDStrings(criteria.ServiceIDs))
	}
	if criteria.GranteeType != nil {
		cond.add("grantee_type = $%d", string(*criteria.GranteeType))
	}
	if len(criteria.GranteeIDs) > 0 {
		cond.in("grantee_id", criteria.GranteeIDs)
	}
	if criteria.ActiveAt != nil {
		cond.add("NOT revoked AND (expires_at IS NULL OR expires_at > $%d)", *criteria.ActiveAt)
	}

	var total int64
	if err := sqlx.GetContext(ctx, r.store.ext, &total,
		`SELECT COUNT(*) FROM service_shares`+cond.where(), cond.args...); err != nil {
		return repository.Page[*v1.ServiceShare]{}, pgError("shares.FindAll", err)
	}
	var rows []shareRow
	if err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+shareColumns+` FROM service_shares`+cond.where()+order+limitOffset(paging), cond.args...); err != nil {
		return repository.Page[*v1.ServiceShare]{}, pgError("shares.FindAll", err)
	}
	content := lo.Map(rows, func(row shareRow, _ int) *v1.ServiceShare { return row.toShare() })
	return repository.NewPage(content, total, paging), nil
}

// FindForGrantee loads the shares addressed to the actor directly or through
// any of their teams, active at the instant. Expiry is exact: a share is
// inactive at its expiry timestamp.
func (r *shares) FindForGrantee(ctx context.Context, actor v1.Actor, at time.Time) ([]*v1.ServiceShare, error) {
	args := []any{at, string(actor.UserID)}
	grantee := `(grantee_type = 'USER' AND grantee_id = $2)`
	if len(actor.TeamIDs) > 0 {
		placeholders := make([]string, len(actor.TeamIDs))
		for i, team := range actor.TeamIDs {
			args = append(args, string(team))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		grantee += ` OR (grantee_type = 'TEAM' AND grantee_id IN (` + strings.Join(placeholders, ", ") + `))`
	}
	var rows []shareRow
	err := sqlx.SelectContext(ctx, r.store.ext, &rows, `
		SELECT `+shareColumns+` FROM service_shares
		WHERE NOT revoked AND (expires_at IS NULL OR expires_at > $1) AND (`+grantee+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, pgError("shares.FindForGrantee", err)
	}
	return lo.Map(rows, func(row shareRow, _ int) *v1.ServiceShare { return row.toShare() }), nil
}

func (r *shares) Revoke(ctx context.Context, id string) error {
	result, err := r.store.ext.ExecContext(ctx,
		`UPDATE service_shares SET revoked = TRUE, updated_at = $2 WHERE id = $1`,
		id, r.store.clk.Now())
	n, err := rowsAffected("shares.Revoke", result, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New(errors.NotFound, "shares.Revoke", "share_not_found", "share %q not found", id)
	}
	return nil
}

func (r *shares) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.store.ext.ExecContext(ctx, `
		DELETE FROM service_shares
		WHERE (expires_at IS NOT NULL AND expires_at < $1) OR (revoked AND updated_at < $1)`, cutoff)
	n, err := rowsAffected("shares.PurgeExpiredBefore", result, err)
	return int(n), err
}
