package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hiveforge/hiveforge/internal/domain"
	"github.com/hiveforge/hiveforge/internal/memory"
)

func (a *app) cmdMemory(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: hiveforge memory remember|recall|link|linked|summarize|import ...")
	}
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	mem := memory.NewSQLite(db)

	sub, rest := args[0], args[1:]
	switch sub {
	case "remember":
		return a.memoryRemember(ctx, mem, rest)
	case "recall":
		return a.memoryRecall(ctx, mem, rest)
	case "link":
		if len(rest) < 2 {
			return fmt.Errorf("usage: hiveforge memory link <thread_id> <bead_id>...")
		}
		return mem.Link(ctx, rest[0], rest[1:])
	case "linked":
		if len(rest) != 1 {
			return fmt.Errorf("usage: hiveforge memory linked <thread_id>")
		}
		ids, err := mem.Linked(ctx, rest[0])
		if err != nil {
			return err
		}
		if ids == nil {
			ids = []string{}
		}
		return a.printJSON(ids)
	case "summarize":
		if len(rest) != 1 {
			return fmt.Errorf("usage: hiveforge memory summarize <thread_id>")
		}
		summary, err := mem.Summarize(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, summary)
		return nil
	case "import":
		return a.memoryImport(ctx, mem, rest)
	default:
		return fmt.Errorf("unknown memory command %q", sub)
	}
}

func (a *app) memoryRemember(ctx context.Context, mem *memory.SQLite, args []string) error {
	fs := flag.NewFlagSet("memory remember", flag.ExitOnError)
	typ := fs.String("type", string(domain.BeadTask), "ProjectBead, DecisionBead or TaskBead")
	title := fs.String("title", "", "bead title")
	content := fs.String("content", "", "bead content")
	thread := fs.String("thread", "", "thread id")
	tags := fs.String("tags", "", "comma-separated tags")
	fs.Parse(args)

	bead, err := mem.Remember(ctx, domain.Bead{
		Type:     domain.BeadType(*typ),
		Title:    *title,
		Content:  *content,
		ThreadID: *thread,
		Tags:     splitCSV(*tags),
	})
	if err != nil {
		return err
	}
	return a.printJSON(bead)
}

func (a *app) memoryRecall(ctx context.Context, mem *memory.SQLite, args []string) error {
	fs := flag.NewFlagSet("memory recall", flag.ExitOnError)
	query := fs.String("q", "", "substring to match")
	typ := fs.String("type", "", "bead type filter")
	thread := fs.String("thread", "", "thread filter")
	k := fs.Int("k", 5, "maximum beads")
	fs.Parse(args)

	beads, err := mem.Recall(ctx, *query, domain.BeadScope{Type: domain.BeadType(*typ), ThreadID: *thread}, *k)
	if err != nil {
		return err
	}
	return a.printJSON(beads)
}

// memoryImport loads a legacy bead store. Paths default to beads.jsonl and
// links.json under the memory root; a missing default links file is skipped.
func (a *app) memoryImport(ctx context.Context, mem *memory.SQLite, args []string) error {
	beadsPath := filepath.Join(a.cfg.MemoryRoot, "beads.jsonl")
	linksPath := filepath.Join(a.cfg.MemoryRoot, "links.json")
	if len(args) > 0 {
		beadsPath = args[0]
		linksPath = ""
	}
	if len(args) > 1 {
		linksPath = args[1]
	}
	if len(args) < 2 && linksPath != "" {
		if _, err := os.Stat(linksPath); errors.Is(err, fs.ErrNotExist) {
			linksPath = ""
		}
	}

	stats, err := mem.Import(ctx, beadsPath, linksPath, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("memory import finished",
		"beads", beadsPath,
		"imported", stats.Imported,
		"skipped", stats.Skipped,
		"invalid", stats.Invalid,
		"links", stats.Links)
	return a.printJSON(stats)
}
