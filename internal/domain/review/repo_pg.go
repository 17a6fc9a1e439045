package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/chartmerge/internal/platform/db"
	"github.com/clinic/chartmerge/pkg/entities"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const itemCols = `id, patient_id, document_id, decision_id, section, entry_key, priority, source, reason,
	proposed_value, existing_value, status, resolved_by, resolved_at, resolution_action,
	resolved_value, resolution_decision_id, created_at`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.PatientID, &it.DocumentID, &it.DecisionID, &it.Section, &it.EntryKey,
		&it.Priority, &it.Source, &it.Reason, &it.ProposedValue, &it.ExistingValue, &it.Status,
		&it.ResolvedBy, &it.ResolvedAt, &it.ResolutionAction, &it.ResolvedValue,
		&it.ResolutionDecisionID, &it.CreatedAt)
	return &it, err
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (r *repoPG) Create(ctx context.Context, it *Item) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO review_items (id, patient_id, document_id, decision_id, section, entry_key,
			priority, source, reason, proposed_value, existing_value, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		it.ID, it.PatientID, it.DocumentID, it.DecisionID, it.Section, it.EntryKey,
		it.Priority, it.Source, it.Reason, nullJSON(it.ProposedValue), nullJSON(it.ExistingValue),
		it.Status, it.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM review_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM review_items`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count review items: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM review_items`+clause+
		fmt.Sprintf(` ORDER BY (priority = 'urgent') DESC, created_at LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()
	items := []*Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (r *repoPG) FindPending(ctx context.Context, patientID uuid.UUID, section entities.Area, key string, proposed json.RawMessage) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `
		SELECT `+itemCols+` FROM review_items
		WHERE patient_id = $1 AND section = $2 AND entry_key = $3
			AND proposed_value = $4::jsonb AND status = 'pending'
		ORDER BY created_at LIMIT 1`,
		patientID, section, key, []byte(proposed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

func (r *repoPG) Resolve(ctx context.Context, it *Item) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE review_items
		SET status = $2, resolved_by = $3, resolved_at = $4, resolution_action = $5,
			resolved_value = $6, resolution_decision_id = $7
		WHERE id = $1 AND status = 'pending'`,
		it.ID, it.Status, it.ResolvedBy, it.ResolvedAt, it.ResolutionAction,
		nullJSON(it.ResolvedValue), it.ResolutionDecisionID)
	if err != nil {
		return fmt.Errorf("resolve review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, it.ID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}
