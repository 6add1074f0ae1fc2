package repo

import (
	"context"
	"database/sql"
	"strings"

	"pactline/internal/domain"
)

const requestCols = `id,contract_id,partner_id,contract_type,selections_json,request_reason,status,reviewed_by,reviewed_at,reviewer_notes,consumed_at,created_at`

func scanRequest(scan func(dest ...any) error) (domain.ReconfigurationRequest, error) {
	var req domain.ReconfigurationRequest
	var reviewedBy, reviewedAt, notes, consumedAt sql.NullString
	err := scan(&req.ID, &req.ContractID, &req.PartnerID, &req.ContractType, &req.SelectionsJSON,
		&req.RequestReason, &req.Status, &reviewedBy, &reviewedAt, &notes, &consumedAt, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if reviewedBy.Valid {
		req.ReviewedBy = &reviewedBy.String
	}
	if reviewedAt.Valid {
		req.ReviewedAt = &reviewedAt.String
	}
	if notes.Valid {
		req.ReviewerNotes = notes.String
	}
	if consumedAt.Valid {
		req.ConsumedAt = &consumedAt.String
	}
	return req, nil
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.ReconfigurationRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reconfiguration_requests(`+requestCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ContractID, req.PartnerID, req.ContractType, req.SelectionsJSON,
		req.RequestReason, req.Status, nullableStringPtr(req.ReviewedBy), nullableStringPtr(req.ReviewedAt),
		nullable(req.ReviewerNotes), nullableStringPtr(req.ConsumedAt), req.CreatedAt)
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ReconfigurationRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestCols+` FROM reconfiguration_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReconfigurationRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM reconfiguration_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// HasPendingRequest reports whether the partner already has a request in
// flight. The partial unique index enforces the same invariant at the
// storage layer; this check exists to fail with a domain error first.
func (r Repo) HasPendingRequestTx(ctx context.Context, tx *sql.Tx, partnerID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM reconfiguration_requests WHERE partner_id=? AND status='pending' LIMIT 1`, partnerID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UnconsumedApprovalTx returns the oldest approved, not-yet-consumed request
// for a contract.
func (r Repo) UnconsumedApprovalTx(ctx context.Context, tx *sql.Tx, contractID string) (domain.ReconfigurationRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestCols+` FROM reconfiguration_requests
WHERE contract_id=? AND status='approved' AND consumed_at IS NULL ORDER BY created_at ASC LIMIT 1`, contractID)
	return scanRequest(row.Scan)
}

func (r Repo) MarkRequestConsumedTx(ctx context.Context, tx *sql.Tx, id, consumedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reconfiguration_requests SET consumed_at=? WHERE id=? AND consumed_at IS NULL`, consumedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReviewRequestTx(ctx context.Context, tx *sql.Tx, id, status, reviewedBy, reviewedAt, notes string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reconfiguration_requests SET status=?, reviewed_by=?, reviewed_at=?, reviewer_notes=? WHERE id=? AND status='pending'`,
		status, reviewedBy, reviewedAt, notes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RequestFilters struct {
	PartnerID  string
	ContractID string
	Status     string
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.ReconfigurationRequest, error) {
	var clauses []string
	var args []any
	if f.PartnerID != "" {
		clauses = append(clauses, "partner_id=?")
		args = append(args, f.PartnerID)
	}
	if f.ContractID != "" {
		clauses = append(clauses, "contract_id=?")
		args = append(args, f.ContractID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+requestCols+` FROM reconfiguration_requests `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconfigurationRequest
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
