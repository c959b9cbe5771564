package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	coresqlite "github.com/haldane-data/tscore/core/sqlite"
	"github.com/haldane-data/tscore/internal/archive"
	"github.com/haldane-data/tscore/internal/config"
	"github.com/haldane-data/tscore/internal/topspeed/convert"
	"github.com/haldane-data/tscore/internal/topspeed/schema"
)

// ConvertCmd converts one or more TopSpeed sources into a SQLite database.
type ConvertCmd struct {
	Sources []string `arg:"" help:"Path(s) to .tps, .phd, .mod, or .phz files" type:"existingfile"`
	Out     string   `required:"" short:"o" help:"Output SQLite database path" type:"path"`

	Profile        string `help:"Resilience profile (auto, small, medium, large, enterprise)" default:"auto"`
	MemoryLimitMB  int64  `help:"Hard memory limit override in MiB (0 = profile default)"`
	CodePage       string `help:"Source code page for text fields" default:"cp437"`
	OnRowError     string `help:"Per-row error policy (skip, partial, abort)" default:"skip"`
	ParallelTables int    `help:"Concurrent tables to decode (enterprise profile only)" default:"1"`
	Resume         bool   `help:"Resume a previously cancelled run using the _resume table"`
	CacheMB        int64  `help:"SQLite page cache size in MiB" default:"64"`
}

func (c *ConvertCmd) Run() error {
	cfg := config.Config{
		MemoryLimitBytes: c.MemoryLimitMB * 1024 * 1024,
		Profile:          config.Profile(c.Profile),
		CodePage:         c.CodePage,
		OnRowError:       config.RowErrorPolicy(c.OnRowError),
		ParallelTables:   c.ParallelTables,
		Resume:           c.Resume,
	}

	db, err := coresqlite.Open(c.Out)
	if err != nil {
		return fmt.Errorf("open destination database: %w", err)
	}
	defer db.Close()

	if err := coresqlite.ConfigurePragmas(db, coresqlite.PragmaConfig{CacheSizeBytes: c.CacheMB * 1024 * 1024}); err != nil {
		return fmt.Errorf("configure pragmas: %w", err)
	}

	sources, closeSources, err := resolveSources(c.Sources)
	if err != nil {
		return err
	}
	defer closeSources()

	// A conversion of a large enterprise-sized file can run for hours;
	// SIGINT/SIGTERM triggers the engine's cooperative cancellation path
	// (in-flight batch flushed, _resume marker written) instead of killing
	// the process mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := convert.New(cfg, db)

	report, err := engine.Convert(ctx, sources)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}

	fmt.Println(report.String())
	if report.Cancelled {
		return fmt.Errorf("conversion cancelled: progress saved to _resume, re-run with --resume to continue")
	}
	if report.TablesFailed > 0 {
		return fmt.Errorf("%d table(s) failed", report.TablesFailed)
	}
	return nil
}

// resolveSources expands each command-line path into one or more
// convert.SourceFile values. A .phz bundle unpacks into its paired .phd
// and .mod byte streams (closer readers are not needed since ReadStreams
// already materializes both members in memory); a bare .tps/.phd/.mod
// file is read whole and wrapped directly, matching the rest of tscore's
// bounded-memory-per-table rather than bounded-memory-per-file posture,
// since TableDef records must be read before any table's row stream can
// begin regardless of source shape.
func resolveSources(paths []string) ([]convert.SourceFile, func(), error) {
	var sources []convert.SourceFile
	for _, p := range paths {
		lower := strings.ToLower(p)
		switch {
		case strings.HasSuffix(lower, ".phz"):
			streams, err := archive.ReadStreams(p)
			if err != nil {
				return nil, nil, fmt.Errorf("unpack %s: %w", p, err)
			}
			sources = append(sources,
				convert.SourceFile{Path: p + "#phd", Reader: bytes.NewReader(streams.PHD), Prefix: schema.PrefixPHD},
				convert.SourceFile{Path: p + "#mod", Reader: bytes.NewReader(streams.MOD), Prefix: schema.PrefixMOD},
			)
		case strings.HasSuffix(lower, ".phd"):
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", p, err)
			}
			sources = append(sources, convert.SourceFile{Path: p, Reader: bytes.NewReader(data), Prefix: schema.PrefixPHD})
		case strings.HasSuffix(lower, ".mod"):
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", p, err)
			}
			sources = append(sources, convert.SourceFile{Path: p, Reader: bytes.NewReader(data), Prefix: schema.PrefixMOD})
		default:
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", p, err)
			}
			sources = append(sources, convert.SourceFile{Path: p, Reader: bytes.NewReader(data), Prefix: schema.PrefixNone})
		}
	}
	return sources, func() {}, nil
}
