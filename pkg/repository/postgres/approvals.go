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

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	v1 "github.com/driftplane/driftplane/pkg/apis/v1"
	"github.com/driftplane/driftplane/pkg/errors"
	"github.com/driftplane/driftplane/pkg/repository"
)

const approvalColumns = `id, service_id, target_team_id, requester_user_id, requester_team_id,
	required, status, reason, note, version, created_at, updated_at`

type approvalRow struct {
	ID              string    `db:"id"`
	ServiceID       string    `db:"service_id"`
	TargetTeamID    string    `db:"target_team_id"`
	RequesterUserID string    `db:"requester_user_id"`
	RequesterTeamID string    `db:"requester_team_id"`
	Required        jsonGates `db:"required"`
	Status          string    `db:"status"`
	Reason          string    `db:"reason"`
	Note            string    `db:"note"`
	Version         int64     `db:"version"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r approvalRow) toRequest() *v1.ApprovalRequest {
	return &v1.ApprovalRequest{
		ID:              r.ID,
		ServiceID:       v1.ServiceID(r.ServiceID),
		TargetTeamID:    v1.TeamID(r.TargetTeamID),
		RequesterUserID: v1.UserID(r.RequesterUserID),
		RequesterTeamID: v1.TeamID(r.RequesterTeamID),
		Required:        r.Required,
		Status:          v1.ApprovalStatus(r.Status),
		Reason:          r.Reason,
		Note:            r.Note,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type approvals struct{ store *Store }

// Create inserts a fresh request at version 1. The partial unique index on
// (requester_user_id, service_id) WHERE status = 'PENDING' turns a duplicate
// live claim into a Conflict without a read-modify-write race.
func (r *approvals) Create(ctx context.Context, request *v1.ApprovalRequest) error {
	now := r.store.clk.Now()
	createdAt := request.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := r.store.ext.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		request.ID, string(request.ServiceID), string(request.TargetTeamID),
		string(request.RequesterUserID), string(request.RequesterTeamID),
		jsonGates(request.Required), string(request.Status), request.Reason, request.Note,
		createdAt, now)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.Conflict, "approvals.Create", "approval_pending_exists",
			"user %q already has a pending request for service %q", request.RequesterUserID, request.ServiceID)
	}
	if err != nil {
		return pgError("approvals.Create", err)
	}
	request.Version = 1
	request.CreatedAt = createdAt
	request.UpdatedAt = now
	return nil
}

// UpdateCAS moves the review state only when the stored version still
// matches. Everything but status, reason and note is immutable after create.
func (r *approvals) UpdateCAS(ctx context.Context, request *v1.ApprovalRequest) (bool, error) {
	now := r.store.clk.Now()
	result, err := r.store.ext.ExecContext(ctx, `
		UPDATE approval_requests SET status = $2, reason = $3, note = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $6`,
		request.ID, string(request.Status), request.Reason, request.Note, now, request.Version)
	n, err := rowsAffected("approvals.UpdateCAS", result, err)
	if err != nil {
		return false, err
	}
	if n > 0 {
		request.Version++
		request.UpdatedAt = now
		return true, nil
	}
	var exists bool
	if err := sqlx.GetContext(ctx, r.store.ext, &exists,
		`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, request.ID); err != nil {
		return false, pgError("approvals.UpdateCAS", err)
	}
	if !exists {
		return false, errors.New(errors.NotFound, "approvals.UpdateCAS", "approval_not_found", "approval %q not found", request.ID)
	}
	return false, nil
}

func (r *approvals) FindByID(ctx context.Context, id string) (*v1.ApprovalRequest, error) {
	var row approvalRow
	err := sqlx.GetContext(ctx, r.store.ext, &row,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.NotFound, "approvals.FindByID", "approval_not_found", "approval %q not found", id)
	}
	if err != nil {
		return nil, pgError("approvals.FindByID", err)
	}
	return row.toRequest(), nil
}

func (r *approvals) FindPending(ctx context.Context, requester v1.UserID, serviceID v1.ServiceID) (*v1.ApprovalRequest, error) {
	var row approvalRow
	err := sqlx.GetContext(ctx, r.store.ext, &row, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE requester_user_id = $1 AND service_id = $2 AND status = 'PENDING'`,
		string(requester), string(serviceID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgError("approvals.FindPending", err)
	}
	return row.toRequest(), nil
}

var approvalSortColumns = map[string]string{
	"id":         "id",
	"service_id": "service_id",
	"status":     "status",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

func (r *approvals) FindAll(ctx context.Context, criteria repository.ApprovalCriteria, paging repository.Paging, sorts []repository.Sort) (repository.Page[*v1.ApprovalRequest], error) {
	order, err := orderBy("approvals.FindAll", sorts, approvalSortColumns)
	if err != nil {
		return repository.Page[*v1.ApprovalRequest]{}, err
	}
	cond := &conditions{}
	if criteria.ServiceID != nil {
		cond.add("service_id = $%d", string(*criteria.ServiceID))
	}
	if criteria.TargetTeamID != nil {
		cond.add("target_team_id = $%d", string(*criteria.TargetTeamID))
	}
	if criteria.RequesterUserID != nil {
		cond.add("requester_user_id = $%d", string(*criteria.RequesterUserID))
	}
	if criteria.Status != nil {
		cond.add("status = $%d", string(*criteria.Status))
	}

	var total int64
	if err := sqlx.GetContext(ctx, r.store.ext, &total,
		`SELECT COUNT(*) FROM approval_requests`+cond.where(), cond.args...); err != nil {
		return repository.Page[*v1.ApprovalRequest]{}, pgError("approvals.FindAll", err)
	}
	var rows []approvalRow
	if err := sqlx.SelectContext(ctx, r.store.ext, &rows,
		`SELECT `+approvalColumns+` FROM approval_requests`+cond.where()+order+limitOffset(paging), cond.args...); err != nil {
		return repository.Page[*v1.ApprovalRequest]{}, pgError("approvals.FindAll", err)
	}
	content := lo.Map(rows, func(row approvalRow, _ int) *v1.ApprovalRequest { return row.toRequest() })
	return repository.NewPage(content, total, paging), nil
}

func (r *approvals) AddDecision(ctx context.Context, decision *v1.ApprovalDecision) error {
	createdAt := decision.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.store.clk.Now()
	}
	_, err := r.store.ext.ExecContext(ctx, `
		INSERT INTO approval_decisions (id, request_id, gate, decision, actor_user_id, actor_team_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		decision.ID, decision.RequestID, decision.Gate, string(decision.Decision),
		string(decision.ActorUserID), string(decision.ActorTeamID), decision.Note, createdAt)
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return errors.New(errors.NotFound, "approvals.AddDecision", "approval_not_found", "approval %q not found", decision.RequestID)
	}
	if err != nil {
		return pgError("approvals.AddDecision", err)
	}
	decision.CreatedAt = createdAt
	return nil
}

type decisionRow struct {
	ID          string    `db:"id"`
	RequestID   string    `db:"request_id"`
	Gate        string    `db:"gate"`
	Decision    string    `db:"decision"`
	ActorUserID string    `db:"actor_user_id"`
	ActorTeamID string    `db:"actor_team_id"`
	Note        string    `db:"note"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *approvals) FindDecisions(ctx context.Context, requestID string) ([]*v1.ApprovalDecision, error) {
	var rows []decisionRow
	err := sqlx.SelectContext(ctx, r.store.ext, &rows, `
		SELECT id, request_id, gate, decision, actor_user_id, actor_team_id, note, created_at
		FROM approval_decisions WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, pgError("approvals.FindDecisions", err)
	}
	return lo.Map(rows, func(row decisionRow, _ int) *v1.ApprovalDecision {
		return &v1.ApprovalDecision{
			ID:          row.ID,
			RequestID:   row.RequestID,
			Gate:        row.Gate,
			Decision:    v1.Decision(row.Decision),
			ActorUserID: v1.UserID(row.ActorUserID),
			ActorTeamID: v1.TeamID(row.ActorTeamID),
			Note:        row.Note,
			CreatedAt:   row.CreatedAt,
		}
	}), nil
}
