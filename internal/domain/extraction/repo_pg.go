package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

const docCols = `id, patient_id, format, declared_format, filename, source, status, processing_error,
	raw_content, entities, summary, blob_key, content_hash, size, uploaded_by, created_at, completed_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		d           Document
		rawEntities []byte
		rawSummary  []byte
	)
	err := row.Scan(&d.ID, &d.PatientID, &d.Format, &d.DeclaredFormat, &d.Filename, &d.Source,
		&d.Status, &d.ProcessingError, &d.RawContent, &rawEntities, &rawSummary, &d.BlobKey,
		&d.ContentHash, &d.Size, &d.UploadedBy, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(rawEntities) > 0 {
		d.Entities = &entities.Set{}
		if err := json.Unmarshal(rawEntities, d.Entities); err != nil {
			return nil, fmt.Errorf("decode entities: %w", err)
		}
	}
	if len(rawSummary) > 0 {
		if err := json.Unmarshal(rawSummary, &d.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return &d, nil
}

func (r *repoPG) Create(ctx context.Context, d *Document) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO documents (id, patient_id, format, declared_format, filename, source, status,
			blob_key, content_hash, size, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.PatientID, d.Format, d.DeclaredFormat, d.Filename, d.Source, d.Status,
		d.BlobKey, d.ContentHash, d.Size, d.UploadedBy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+docCols+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	return d, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+docCols+` FROM documents WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	out := []*Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Finish(ctx context.Context, d *Document) error {
	var rawEntities, rawSummary []byte
	var err error
	if d.Entities != nil {
		if rawEntities, err = json.Marshal(d.Entities); err != nil {
			return fmt.Errorf("encode entities: %w", err)
		}
	}
	if rawSummary, err = json.Marshal(d.Summary); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE documents SET status = $2, processing_error = $3, raw_content = $4,
			entities = $5, summary = $6, completed_at = $7
		WHERE id = $1 AND status = 'pending'`,
		d.ID, d.Status, d.ProcessingError, d.RawContent, rawEntities, rawSummary, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, d.ID); err != nil {
			return err
		}
		return ErrAlreadyFinished
	}
	return nil
}
