package chart

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/chartmerge/internal/platform/db"
	"github.com/clinic/chartmerge/pkg/entities"
)

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Store backed by the chart_entries, chart_state and
// merge_decisions tables. Writes join the context transaction when present.
func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, patient_id, area, entry_key, entity, source, document_id, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e   Entry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.PatientID, &e.Area, &e.Key, &raw, &e.Source, &e.DocumentID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	ent, err := entities.Decode(e.Area, raw)
	if err != nil {
		return nil, err
	}
	e.Entity = ent
	return &e, nil
}

func (r *storePG) GetChart(ctx context.Context, patientID uuid.UUID) (*Record, error) {
	rec := NewRecord(patientID)

	var (
		completeness []byte
		lastUpdated  *time.Time
	)
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT version, completeness, last_updated FROM chart_state WHERE patient_id = $1`, patientID).
		Scan(&rec.Version, &completeness, &lastUpdated)
	if lastUpdated != nil {
		rec.LastUpdated = *lastUpdated
	}
	switch {
	case err == pgx.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("read chart state: %w", err)
	case len(completeness) > 0:
		if err := json.Unmarshal(completeness, &rec.Completeness); err != nil {
			return nil, fmt.Errorf("decode completeness: %w", err)
		}
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+entryCols+` FROM chart_entries WHERE patient_id = $1 ORDER BY created_at, id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("read chart entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		rec.Entries = append(rec.Entries, e)
	}
	return rec, rows.Err()
}

func (r *storePG) ApplyMergeDecisions(ctx context.Context, patientID uuid.UUID, cs *ChangeSet) (*Record, error) {
	q := r.conn(ctx)

	next := cs.BaseVersion
	if len(cs.Upserts) > 0 {
		next++
	}
	completeness, err := json.Marshal(cs.Completeness)
	if err != nil {
		return nil, err
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO chart_state (patient_id, version, completeness, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE
		SET version = EXCLUDED.version, completeness = EXCLUDED.completeness, last_updated = EXCLUDED.last_updated
		WHERE chart_state.version = $5`,
		patientID, next, completeness, nullTime(cs.LastUpdated), cs.BaseVersion)
	if err != nil {
		return nil, fmt.Errorf("update chart state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConcurrentChartWrite
	}

	for _, e := range cs.Upserts {
		raw, err := entities.Encode(e.Entity)
		if err != nil {
			return nil, err
		}
		_, err = q.Exec(ctx, `
			INSERT INTO chart_entries (`+entryCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE
			SET entry_key = EXCLUDED.entry_key, entity = EXCLUDED.entity, source = EXCLUDED.source,
				document_id = EXCLUDED.document_id, updated_at = EXCLUDED.updated_at`,
			e.ID, patientID, e.Area, e.Key, raw, e.Source, e.DocumentID, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("upsert chart entry %s: %w", e.ID, err)
		}
	}

	for _, d := range cs.Decisions {
		_, err := q.Exec(ctx, `
			INSERT INTO merge_decisions (`+decisionCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			d.ID, d.PatientID, d.DocumentID, d.EntryID, d.ReviewItemID, d.Area, d.Key, d.Kind,
			d.Source, d.Actor, d.Reason, d.Field, nullJSON(d.Candidate), nullJSON(d.Previous),
			nullJSON(d.Existing), d.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("record merge decision: %w", err)
		}
	}
	return r.GetChart(ctx, patientID)
}

const decisionCols = `id, patient_id, document_id, entry_id, review_item_id, area, entry_key, kind,
	source, actor, reason, field, candidate, previous, existing, created_at`

func (r *storePG) GetEntityHistory(ctx context.Context, patientID uuid.UUID, area entities.Area) ([]*Decision, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+decisionCols+` FROM merge_decisions WHERE patient_id = $1 AND area = $2 ORDER BY created_at, id`,
		patientID, area)
	if err != nil {
		return nil, fmt.Errorf("read merge decisions: %w", err)
	}
	defer rows.Close()
	out := []*Decision{}
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.PatientID, &d.DocumentID, &d.EntryID, &d.ReviewItemID, &d.Area, &d.Key,
			&d.Kind, &d.Source, &d.Actor, &d.Reason, &d.Field, &d.Candidate, &d.Previous, &d.Existing,
			&d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
