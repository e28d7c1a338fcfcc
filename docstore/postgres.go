package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/pg"
)

const documentColumns = `id, title, content, owner, collaborators, created_at, updated_at`

type PostgresStore struct {
	db pg.DB
}

func NewPostgresStore(db pg.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanDocument(row pgx.Row) (*Document, error) {
	d := &Document{}
	if err := row.Scan(&d.ID, &d.Title, &d.Content, &d.Owner, &d.Collaborators, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if d.Collaborators == nil {
		d.Collaborators = []string{}
	}
	return d, nil
}

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrTransientIO, op, err)
}

func (s *PostgresStore) Create(ctx context.Context, d *Document) error {
	collaborators := d.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.Title, d.Content, d.Owner, collaborators, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return ioError("create document", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, ioError("get document", err)
	}
	return d, nil
}

func (s *PostgresStore) ListFor(ctx context.Context, userID, email string) ([]*Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE owner = $1 OR ($2 <> '' AND $2 = ANY(collaborators))
		 ORDER BY updated_at DESC`, userID, email)
	if err != nil {
		return nil, ioError("list documents", err)
	}
	defer rows.Close()

	docs := make([]*Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, ioError("list documents", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ioError("list documents", err)
	}
	return docs, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (*Document, error) {
	d, err := scanDocument(s.db.QueryRow(ctx,
		`UPDATE documents SET
			title = COALESCE($2, title),
			content = COALESCE($3, content),
			updated_at = $4
		 WHERE id = $1
		 RETURNING `+documentColumns,
		id, p.Title, p.Content, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, ioError("update document", err)
	}
	return d, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return ioError("delete document", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, id, email string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET collaborators = array_append(collaborators, $2)
		 WHERE id = $1 AND NOT ($2 = ANY(collaborators))`, id, email)
	if err != nil {
		return ioError("share document", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// Either already shared or missing.
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return ioError("share document", err)
	}
	if !exists {
		return notFound(id)
	}
	return nil
}
