package main

import (
	"context"
	"fmt"
	"os"

	"github.com/haldane-data/tscore/core/codepage"
	coresqlite "github.com/haldane-data/tscore/core/sqlite"
	"github.com/haldane-data/tscore/internal/topspeed/reverse"
)

// ReverseCmd rebuilds a TopSpeed-equivalent file from a database a
// previous convert run produced. The output is logically equivalent
// (same tables, same records), not a byte-exact reconstruction.
type ReverseCmd struct {
	Database string   `arg:"" help:"SQLite database produced by tscore convert" type:"existingfile"`
	Out      string   `required:"" short:"o" help:"Output TopSpeed file path" type:"path"`
	Tables   []string `help:"Tables to include (default: every table recorded in _schema)"`
	CodePage string   `help:"Code page to re-encode text fields with" default:"cp437"`
}

func (c *ReverseCmd) Run() error {
	db, err := coresqlite.OpenReadOnly(c.Database)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.Database, err)
	}
	defer db.Close()

	tables := c.Tables
	if len(tables) == 0 {
		rows, err := db.Query(`SELECT table_name FROM _schema ORDER BY table_name`)
		if err != nil {
			return fmt.Errorf("read _schema (was %s produced by tscore convert?): %w", c.Database, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scan _schema: %w", err)
			}
			tables = append(tables, name)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate _schema: %w", err)
		}
	}
	if len(tables) == 0 {
		return fmt.Errorf("no tables to reverse: _schema is empty")
	}

	w := reverse.New(db, codepage.New(codepage.Name(c.CodePage)))
	data, err := w.WriteFile(context.Background(), tables)
	if err != nil {
		return err
	}

	if err := os.WriteFile(c.Out, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", c.Out, err)
	}
	fmt.Printf("wrote %s: %d tables, %d bytes\n", c.Out, len(tables), len(data))
	return nil
}
