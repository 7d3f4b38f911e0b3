package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/mtzanidakis/sminos/internal/actor"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

const archiveVersion = 1

// archive is the export file layout: every swarm definition plus each
// swarm's decision history, zstd-compressed JSON.
type archive struct {
	Version    int                         `json:"version"`
	ExportedAt time.Time                   `json:"exported_at"`
	Swarms     []swarm.Definition          `json:"swarms"`
	Decisions  map[string][]actor.Decision `json:"decisions,omitempty"`
}

func runExport(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos export -f <output.json.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	return exportStore(db, outputPath)
}

func exportStore(db *store.Store, outputPath string) error {
	defs, err := db.ListSwarms()
	if err != nil {
		return fmt.Errorf("list swarms: %w", err)
	}

	arc := archive{
		Version:    archiveVersion,
		ExportedAt: time.Now().UTC(),
		Swarms:     defs,
		Decisions:  make(map[string][]actor.Decision),
	}
	for _, def := range defs {
		decisions, err := db.ListDecisions(def.ID, 0)
		if err != nil {
			return fmt.Errorf("list decisions %s: %w", def.ID, err)
		}
		if len(decisions) > 0 {
			arc.Decisions[def.ID] = decisions
		}
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}

	if err := json.NewEncoder(zw).Encode(arc); err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	// Close everything explicitly to catch write errors
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	fmt.Printf("Export complete: %d swarms, %s\n", len(defs), formatSize(size))
	return nil
}

func runImport(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: sminos import -f <archive.json.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	return importStore(db, inputPath, overwrite)
}

func importStore(db *store.Store, inputPath string, overwrite bool) error {
	arc, err := readArchive(inputPath)
	if err != nil {
		return err
	}

	if !overwrite {
		for _, def := range arc.Swarms {
			existing, err := db.GetSwarm(def.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("swarm %s already exists, add -overwrite to replace it", def.ID)
			}
		}
	}

	imported := 0
	for i := range arc.Swarms {
		def := arc.Swarms[i]
		// Imported swarms always come back inactive.
		def.Status = swarm.StatusInactive
		def.Normalize()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("swarm %s: %w", def.ID, err)
		}
		if err := db.SaveSwarm(&def); err != nil {
			return err
		}
		for _, d := range arc.Decisions[def.ID] {
			if err := db.SaveDecision(def.ID, d); err != nil {
				return err
			}
		}
		imported++
	}

	fmt.Printf("Import complete: %d swarms\n", imported)
	return nil
}

func readArchive(path string) (*archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var arc archive
	if err := json.NewDecoder(zr).Decode(&arc); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if arc.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version %d", arc.Version)
	}
	return &arc, nil
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
