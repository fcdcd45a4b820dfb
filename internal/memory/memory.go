// Package memory is the knowledge store consulted and extended by the
// orchestrator: typed beads, recalled by substring and linked to threads.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/store"
)

// SummaryLimit is the number of beads rendered by Summarize.
const SummaryLimit = 10

// NoBeadsSummary is returned by Summarize for a thread without beads.
const NoBeadsSummary = "No beads found for this thread."

// Store is the knowledge store contract.
type Store interface {
	Remember(ctx context.Context, bead domain.Bead) (domain.Bead, error)
	Recall(ctx context.Context, query string, scope domain.BeadScope, k int) ([]domain.Bead, error)
	Link(ctx context.Context, threadID string, beadIDs []string) error
	Summarize(ctx context.Context, threadID string) (string, error)
}

// SQLite keeps beads in the shared HiveForge database.
type SQLite struct {
	db    *sql.DB
	beads store.BeadRepo
	now   func() time.Time
}

// NewSQLite returns a Store over db. The schema must already be migrated.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: time.Now}
}

// Remember stores bead after filling defaults: a new id, TaskBead type,
// "Untitled" title and the current time. Remembering an id that is already
// stored returns the stored bead unchanged.
func (s *SQLite) Remember(ctx context.Context, bead domain.Bead) (domain.Bead, error) {
	bead, err := s.prepare(bead)
	if err != nil {
		return domain.Bead{}, err
	}
	inserted, err := s.beads.Insert(ctx, s.db, bead)
	if err != nil {
		return domain.Bead{}, domain.WrapError(domain.ErrStoreWrite.Code, "remember bead", err)
	}
	if !inserted {
		existing, err := s.beads.Get(ctx, s.db, bead.ID)
		if err != nil {
			return domain.Bead{}, domain.WrapError(domain.ErrStoreQuery.Code, "load existing bead", err)
		}
		return *existing, nil
	}
	return bead, nil
}

func (s *SQLite) prepare(bead domain.Bead) (domain.Bead, error) {
	if bead.ID == "" {
		bead.ID = uuid.NewString()
	}
	if bead.Type == "" {
		bead.Type = domain.BeadTask
	}
	if !bead.Type.Valid() {
		return domain.Bead{}, domain.Errorf(domain.ErrBeadInvalid, "unknown type %q", bead.Type)
	}
	if strings.TrimSpace(bead.Title) == "" {
		bead.Title = "Untitled"
	}
	if bead.Tags == nil {
		bead.Tags = []string{}
	}
	if bead.CreatedAt.IsZero() {
		bead.CreatedAt = s.now().UTC()
	}
	return bead, nil
}

// Recall returns up to k beads matching query within scope, newest first.
// k <= 0 means 5.
func (s *SQLite) Recall(ctx context.Context, query string, scope domain.BeadScope, k int) ([]domain.Bead, error) {
	if k <= 0 {
		k = 5
	}
	beads, err := s.beads.Search(ctx, s.db, strings.TrimSpace(query), scope, k)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreQuery.Code, "recall beads", err)
	}
	return beads, nil
}

// Link associates bead ids with a thread. Repeated links are merged.
func (s *SQLite) Link(ctx context.Context, threadID string, beadIDs []string) error {
	if threadID == "" {
		return domain.Errorf(domain.ErrBeadInvalid, "link needs a thread id")
	}
	if len(beadIDs) == 0 {
		return nil
	}
	if err := s.beads.Link(ctx, s.db, threadID, beadIDs, s.now()); err != nil {
		return domain.WrapError(domain.ErrStoreWrite.Code, "link beads", err)
	}
	return nil
}

// Linked returns the bead ids linked to threadID.
func (s *SQLite) Linked(ctx context.Context, threadID string) ([]string, error) {
	ids, err := s.beads.Links(ctx, s.db, threadID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStoreQuery.Code, "list links", err)
	}
	return ids, nil
}

// Get returns one bead.
func (s *SQLite) Get(ctx context.Context, id string) (*domain.Bead, error) {
	return s.beads.Get(ctx, s.db, id)
}

// Summarize renders the newest beads of threadID as "- <Type>: <title>" lines.
func (s *SQLite) Summarize(ctx context.Context, threadID string) (string, error) {
	beads, err := s.Recall(ctx, "", domain.BeadScope{ThreadID: threadID}, SummaryLimit)
	if err != nil {
		return "", err
	}
	return FormatSummary(beads), nil
}

// FormatSummary renders beads the way Summarize does.
func FormatSummary(beads []domain.Bead) string {
	if len(beads) == 0 {
		return NoBeadsSummary
	}
	lines := make([]string, len(beads))
	for i, b := range beads {
		lines[i] = fmt.Sprintf("- %s: %s", b.Type, b.Title)
	}
	return strings.Join(lines, "\n")
}
