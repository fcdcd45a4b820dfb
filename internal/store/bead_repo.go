package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// BeadRepo handles persistence for knowledge beads and thread links.
type BeadRepo struct{}

// Insert stores a bead. Inserting an existing id returns false.
func (r *BeadRepo) Insert(ctx context.Context, db *sql.DB, b domain.Bead) (bool, error) {
	tags, err := encodeJSON(nonNilTags(b.Tags))
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}
	extra := b.Extra
	if extra == nil {
		extra = map[string]any{}
	}
	extraJSON, err := encodeJSON(extra)
	if err != nil {
		return false, fmt.Errorf("encode extra: %w", err)
	}

	const q = `INSERT OR IGNORE INTO beads (id, type, title, content, thread_id, tags_json, extra_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		b.ID,
		string(b.Type),
		b.Title,
		b.Content,
		b.ThreadID,
		tags,
		extraJSON,
		toMillis(b.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert bead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

const beadSelect = `SELECT id, type, title, content, thread_id, tags_json, extra_json, created_at FROM beads`

func scanBead(row scanner) (*domain.Bead, error) {
	var b domain.Bead
	var typ, tags, extra string
	var created int64
	if err := row.Scan(&b.ID, &typ, &b.Title, &b.Content, &b.ThreadID, &tags, &extra, &created); err != nil {
		return nil, err
	}
	b.Type = domain.BeadType(typ)
	b.CreatedAt = fromMillis(created)
	if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", b.ID, err)
	}
	b.Tags = nonNilTags(b.Tags)
	m, err := decodeMap(extra)
	if err != nil {
		return nil, fmt.Errorf("decode extra of %s: %w", b.ID, err)
	}
	if len(m) > 0 {
		b.Extra = m
	}
	return &b, nil
}

// Get retrieves a bead by id.
func (r *BeadRepo) Get(ctx context.Context, db *sql.DB, id string) (*domain.Bead, error) {
	b, err := scanBead(db.QueryRowContext(ctx, beadSelect+` WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrBeadNotFound
		}
		return nil, fmt.Errorf("get bead: %w", err)
	}
	return b, nil
}

// Search returns up to limit beads, newest first. query is matched as a
// case-insensitive substring of title, content or tags; an empty query
// matches everything.
func (r *BeadRepo) Search(ctx context.Context, db *sql.DB, query string, scope domain.BeadScope, limit int) ([]domain.Bead, error) {
	var where []string
	var args []any
	if scope.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(scope.Type))
	}
	if scope.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, scope.ThreadID)
	}
	if query != "" {
		pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
		where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(content) LIKE ? ESCAPE '\' OR LOWER(tags_json) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	q := beadSelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search beads: %w", err)
	}
	defer rows.Close()

	beads := []domain.Bead{}
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bead: %w", err)
		}
		beads = append(beads, *b)
	}
	return beads, rows.Err()
}

// Link associates bead ids with a thread. Existing links are kept.
func (r *BeadRepo) Link(ctx context.Context, db *sql.DB, threadID string, beadIDs []string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin link: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT OR IGNORE INTO bead_links (thread_id, bead_id, created_at) VALUES (?, ?, ?)`
	for _, id := range beadIDs {
		if _, err := tx.ExecContext(ctx, q, threadID, id, toMillis(at)); err != nil {
			return fmt.Errorf("link bead %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Links returns the bead ids linked to a thread in link order.
func (r *BeadRepo) Links(ctx context.Context, db *sql.DB, threadID string) ([]string, error) {
	const q = `SELECT bead_id FROM bead_links WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`
	rows, err := db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
