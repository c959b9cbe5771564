package main

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/haldane-data/tscore/internal/topspeed/arrayfield"
	"github.com/haldane-data/tscore/internal/topspeed/page"
	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
)

// InspectCmd prints a read-only census of a TopSpeed source: file header,
// per-table field and record counts, detected array fields, and corrupt
// pages. It reads pages, parses table definitions and detects arrays; it
// does not decode records or write SQLite.
type InspectCmd struct {
	Sources []string `arg:"" help:"Path(s) to .tps, .phd, .mod, or .phz files" type:"existingfile"`
}

func (c *InspectCmd) Run() error {
	sources, closeSources, err := resolveSources(c.Sources)
	if err != nil {
		return err
	}
	defer closeSources()

	for _, src := range sources {
		pr, err := page.Open(src.Path, src.Reader)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", src.Path, err)
		}

		hdr := pr.Header()
		fmt.Printf("%s: version=%d page_size=%d pages=%d prefix=%q\n",
			src.Path, hdr.Version, hdr.PageSize, pr.PageCount(), string(src.Prefix))

		defRecords, skips := pr.TableDefRecords()
		corrupt := int64(len(skips))

		seen := map[uint8]bool{}
		for _, rec := range defRecords {
			if seen[rec.TableNumber] {
				continue
			}
			seen[rec.TableNumber] = true

			def, err := tabledef.Parse(rec.TableNumber, rec.Payload)
			if err != nil {
				fmt.Printf("  table %d: definition unparseable: %v\n", rec.TableNumber, err)
				continue
			}

			records, recSkips, err := pr.RecordsForTable(def.TableNumber)
			corrupt += int64(len(recSkips))
			if err != nil {
				fmt.Printf("  table %d: record scan failed: %v\n", def.TableNumber, err)
				continue
			}

			name := src.TableNames[def.TableNumber]
			if name == "" {
				name = fmt.Sprintf("table_%d", def.TableNumber)
			}
			infos := arrayfield.Analyze(def)
			fmt.Printf("  %s (#%d): %d fields, %d indexes, record_length=%d, records=%s, fallback=%s\n",
				name, def.TableNumber, len(def.Fields), len(def.Indexes), def.RecordLength,
				humanize.Comma(int64(len(records))), def.Fallback)
			for _, info := range infos {
				fmt.Printf("    array %s: %s of %d x %s\n",
					info.SQLiteColumnName, info.Kind, info.ElementCount, info.ElementType)
			}
		}
		fmt.Printf("  corrupt pages: %s\n", humanize.Comma(corrupt))
	}
	return nil
}
