package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/fsutil"
)

// ImportStats reports what Import did.
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
	Links    int `json:"links"`
}

// Import loads a JSON-lines bead file and, when linksPath is set, a
// {"<thread>": ["<bead id>", ...]} link file. Beads whose id already exists
// are skipped; unparsable lines are logged and counted as invalid.
func (s *SQLite) Import(ctx context.Context, beadsPath, linksPath string, logger *slog.Logger) (ImportStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var stats ImportStats

	f, err := os.Open(beadsPath)
	if err != nil {
		return stats, fmt.Errorf("open beads file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var bead domain.Bead
		if err := json.Unmarshal(raw, &bead); err != nil {
			logger.Warn("skip invalid bead line", "file", beadsPath, "line", lineNo, "error", err)
			stats.Invalid++
			continue
		}
		bead, err := s.prepare(bead)
		if err != nil {
			logger.Warn("skip invalid bead", "file", beadsPath, "line", lineNo, "error", err)
			stats.Invalid++
			continue
		}
		inserted, err := s.beads.Insert(ctx, s.db, bead)
		if err != nil {
			return stats, domain.WrapError(domain.ErrStoreWrite.Code, "import bead", err)
		}
		if inserted {
			stats.Imported++
		} else {
			stats.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read beads file: %w", err)
	}

	if linksPath == "" {
		return stats, nil
	}
	var links map[string][]string
	if err := fsutil.ReadJSON(linksPath, &links); err != nil {
		return stats, fmt.Errorf("read links file: %w", err)
	}
	threads := make([]string, 0, len(links))
	for thread := range links {
		threads = append(threads, thread)
	}
	sort.Strings(threads)
	for _, thread := range threads {
		if err := s.Link(ctx, thread, links[thread]); err != nil {
			return stats, err
		}
		stats.Links += len(links[thread])
	}
	return stats, nil
}
