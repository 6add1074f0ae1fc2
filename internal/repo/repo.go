package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"pactline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const contractCols = `id,partner_id,contract_type,number,status,party_a_name,party_a_signature,party_b_name,party_b_signature,signed_at,created_at,updated_at`

func scanContract(scan func(dest ...any) error) (domain.Contract, error) {
	var c domain.Contract
	var partyASig, partyBName, partyBSig, signedAt sql.NullString
	err := scan(&c.ID, &c.PartnerID, &c.ContractType, &c.Number, &c.Status,
		&c.PartyAName, &partyASig, &partyBName, &partyBSig, &signedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if partyASig.Valid {
		c.PartyASignature = partyASig.String
	}
	if partyBName.Valid {
		c.PartyBName = partyBName.String
	}
	if partyBSig.Valid {
		c.PartyBSignature = partyBSig.String
	}
	if signedAt.Valid {
		c.SignedAt = &signedAt.String
	}
	return c, nil
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(`+contractCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PartnerID, c.ContractType, c.Number, c.Status, c.PartyAName,
		nullable(c.PartyASignature), nullable(c.PartyBName), nullable(c.PartyBSignature),
		nullableStringPtr(c.SignedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetContract(ctx context.Context, id string) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE id=?`, id)
	return scanContract(row.Scan)
}

func (r Repo) GetContractByPartner(ctx context.Context, partnerID string, contractType int) (domain.Contract, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE partner_id=? AND contract_type=?`, partnerID, contractType)
	return scanContract(row.Scan)
}

func (r Repo) GetContractByPartnerTx(ctx context.Context, tx *sql.Tx, partnerID string, contractType int) (domain.Contract, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contractCols+` FROM contracts WHERE partner_id=? AND contract_type=?`, partnerID, contractType)
	return scanContract(row.Scan)
}

type ContractFilters struct {
	PartnerID    string
	ContractType int
	Status       string
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	var clauses []string
	var args []any
	if f.PartnerID != "" {
		clauses = append(clauses, "partner_id=?")
		args = append(args, f.PartnerID)
	}
	if f.ContractType > 0 {
		clauses = append(clauses, "contract_type=?")
		args = append(args, f.ContractType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contractCols+` FROM contracts `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateContractStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetContractSignedTx(ctx context.Context, tx *sql.Tx, id, partyBName, signature, signedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contracts SET status='signed', party_b_name=COALESCE(?,party_b_name), party_b_signature=?, signed_at=?, updated_at=? WHERE id=?`,
		nullable(partyBName), nullable(signature), signedAt, signedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectionCols = `id,contract_id,deliverable_number,option_number,baseline_percentage,baseline_source,baseline_date,notes,selected_by,selected_at`

func scanSelection(scan func(dest ...any) error) (domain.Selection, error) {
	var s domain.Selection
	var baseline sql.NullFloat64
	var source, date, notes sql.NullString
	err := scan(&s.ID, &s.ContractID, &s.DeliverableNumber, &s.OptionNumber,
		&baseline, &source, &date, &notes, &s.SelectedBy, &s.SelectedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if baseline.Valid {
		v := baseline.Float64
		s.BaselinePercentage = &v
	}
	if source.Valid {
		s.BaselineSource = source.String
	}
	if date.Valid {
		s.BaselineDate = date.String
	}
	if notes.Valid {
		s.Notes = notes.String
	}
	return s, nil
}

func (r Repo) DeleteSelectionsTx(ctx context.Context, tx *sql.Tx, contractID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM contract_selections WHERE contract_id=?`, contractID)
	return err
}

func (r Repo) InsertSelectionTx(ctx context.Context, tx *sql.Tx, s domain.Selection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contract_selections(`+selectionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ContractID, s.DeliverableNumber, s.OptionNumber,
		nullableFloatPtr(s.BaselinePercentage), nullable(s.BaselineSource), nullable(s.BaselineDate),
		nullable(s.Notes), s.SelectedBy, s.SelectedAt)
	return err
}

func (r Repo) ListSelections(ctx context.Context, contractID string) ([]domain.Selection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+selectionCols+` FROM contract_selections WHERE contract_id=? ORDER BY deliverable_number ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Selection
	for rows.Next() {
		s, err := scanSelection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSelections(ctx context.Context, contractID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM contract_selections WHERE contract_id=?`, contractID).Scan(&n)
	return n, err
}

func (r Repo) CountSelectionsTx(ctx context.Context, tx *sql.Tx, contractID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM contract_selections WHERE contract_id=?`, contractID).Scan(&n)
	return n, err
}

func (r Repo) ListSelectionsTx(ctx context.Context, tx *sql.Tx, contractID string) ([]domain.Selection, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+selectionCols+` FROM contract_selections WHERE contract_id=? ORDER BY deliverable_number ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Selection
	for rows.Next() {
		s, err := scanSelection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

const indicatorCols = `id,contract_id,indicator_code,baseline_percentage,target_percentage,target_date,calculation_method,selected_rule,created_at`

func (r Repo) DeleteContractIndicatorsTx(ctx context.Context, tx *sql.Tx, contractID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM contract_indicators WHERE contract_id=?`, contractID)
	return err
}

func (r Repo) InsertContractIndicatorTx(ctx context.Context, tx *sql.Tx, ci domain.ContractIndicator) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contract_indicators(`+indicatorCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		ci.ID, ci.ContractID, ci.IndicatorCode, ci.BaselinePercentage, ci.TargetPercentage,
		ci.TargetDate, ci.CalculationMethod, nullable(ci.SelectedRule), ci.CreatedAt)
	return err
}

func (r Repo) ListContractIndicators(ctx context.Context, contractID string) ([]domain.ContractIndicator, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+indicatorCols+` FROM contract_indicators WHERE contract_id=? ORDER BY indicator_code ASC`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContractIndicator
	for rows.Next() {
		var ci domain.ContractIndicator
		var rule sql.NullString
		if err := rows.Scan(&ci.ID, &ci.ContractID, &ci.IndicatorCode, &ci.BaselinePercentage,
			&ci.TargetPercentage, &ci.TargetDate, &ci.CalculationMethod, &rule, &ci.CreatedAt); err != nil {
			return nil, err
		}
		if rule.Valid {
			ci.SelectedRule = rule.String
		}
		res = append(res, ci)
	}
	return res, rows.Err()
}

// IsUniqueViolation reports whether err is a storage uniqueness conflict so
// callers can translate it to a domain error instead of leaking the driver's.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
