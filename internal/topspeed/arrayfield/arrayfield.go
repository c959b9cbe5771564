// Package arrayfield implements MultidimensionalAnalyzer: it inspects a
// parsed TableDef and detects the two shapes TopSpeed uses to represent
// repeated data — a single field whose element_count exceeds one, and a
// series of scalar fields sharing a name stem and a contiguous 1-based
// integer suffix — emitting an ArrayFieldInfo descriptor for each.
package arrayfield

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/haldane-data/tscore/internal/topspeed/tabledef"
)

// Kind discriminates the two array shapes.
type Kind int

const (
	SingleField Kind = iota
	MultiField
)

func (k Kind) String() string {
	if k == SingleField {
		return "single_field"
	}
	return "multi_field"
}

// ArrayFieldInfo describes one detected array column.
type ArrayFieldInfo struct {
	Kind             Kind
	BaseName         string
	ElementType      tabledef.FieldType
	ElementCount     int
	Members          []tabledef.FieldDef // one entry for single_field; k for multi_field, ordered 1..k
	SQLiteColumnName string
}

// trailingDigits splits a field name into a stem and its maximal trailing
// run of digits, e.g. "PROD10" -> ("PROD", "10"). Names with no trailing
// digits never match and are excluded from multi-field grouping.
var trailingDigits = regexp.MustCompile(`^(.*?)(\d+)$`)

// Analyze detects array fields in def, applying the rules in order:
// single-field arrays first (a FieldDef with element_count > 1, which
// always wins over any naming-pattern grouping for that field), then
// multi-field groups among the remaining scalar fields.
func Analyze(def *tabledef.TableDef) []ArrayFieldInfo {
	var infos []ArrayFieldInfo
	var scalarCandidates []tabledef.FieldDef

	for _, f := range def.Fields {
		if f.ElementCount > 1 {
			infos = append(infos, ArrayFieldInfo{
				Kind:             SingleField,
				BaseName:         f.Name,
				ElementType:      f.Type,
				ElementCount:     int(f.ElementCount),
				Members:          []tabledef.FieldDef{f},
				SQLiteColumnName: f.Name,
			})
			continue
		}
		scalarCandidates = append(scalarCandidates, f)
	}

	infos = append(infos, detectMultiField(scalarCandidates)...)
	return infos
}

type suffixedField struct {
	suffix int
	field  tabledef.FieldDef
}

func detectMultiField(fields []tabledef.FieldDef) []ArrayFieldInfo {
	groups := map[string][]suffixedField{}
	var order []string

	for _, f := range fields {
		m := trailingDigits.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		suffix, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		stem := m[1]
		if _, seen := groups[stem]; !seen {
			order = append(order, stem)
		}
		groups[stem] = append(groups[stem], suffixedField{suffix: suffix, field: f})
	}

	var infos []ArrayFieldInfo
	for _, stem := range order {
		members := groups[stem]
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i].suffix < members[j].suffix })

		run := contiguousRunFromOne(members)
		if len(run) < 2 {
			continue
		}
		if !sameTypeAndWidth(run) {
			continue
		}

		ordered := make([]tabledef.FieldDef, len(run))
		for i, sf := range run {
			ordered[i] = sf.field
		}
		infos = append(infos, ArrayFieldInfo{
			Kind:             MultiField,
			BaseName:         stem,
			ElementType:      ordered[0].Type,
			ElementCount:     len(ordered),
			Members:          ordered,
			SQLiteColumnName: stem,
		})
	}
	return infos
}

// contiguousRunFromOne returns the run of members (already sorted by
// suffix) whose suffixes form 1, 2, 3, ... with no gaps. The run is
// anchored at suffix 1; zero-based suffixes are not accepted, so a
// PROD0 ahead of PROD1..PRODn stays scalar rather than disqualifying the
// whole series.
func contiguousRunFromOne(members []suffixedField) []suffixedField {
	start := -1
	for i, m := range members {
		if m.suffix == 1 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	run := []suffixedField{members[start]}
	for i := start + 1; i < len(members); i++ {
		if members[i].suffix == members[i-1].suffix+1 {
			run = append(run, members[i])
			continue
		}
		break
	}
	return run
}

func sameTypeAndWidth(members []suffixedField) bool {
	if len(members) == 0 {
		return false
	}
	typ := members[0].field.Type
	width := members[0].field.Length
	for _, m := range members[1:] {
		if m.field.Type != typ || m.field.Length != width {
			return false
		}
	}
	return true
}

// ArrayFieldNames returns the set of original FieldDef names consumed by
// infos, so callers (SchemaProjector, RecordDecoder) can determine which
// of a TableDef's fields remain plain scalars.
func ArrayFieldNames(infos []ArrayFieldInfo) map[string]bool {
	names := make(map[string]bool)
	for _, info := range infos {
		for _, m := range info.Members {
			names[m.Name] = true
		}
	}
	return names
}

// ScalarFields returns the FieldDefs in def not consumed by any detected
// array.
func ScalarFields(def *tabledef.TableDef, infos []ArrayFieldInfo) []tabledef.FieldDef {
	consumed := ArrayFieldNames(infos)
	var scalars []tabledef.FieldDef
	for _, f := range def.Fields {
		if !consumed[f.Name] {
			scalars = append(scalars, f)
		}
	}
	return scalars
}

// Column describes one output column in the single canonical order that
// SchemaProjector and RecordDecoder both iterate: scalar fields in their
// original TableDef order (skipping any field consumed by a detected
// array), followed by every detected array column in Analyze's detection
// order. Sharing this order between the two components is what makes a
// decoded row's width always equal the projected schema's column count,
// by construction rather than by convention.
type Column struct {
	Name   string
	Scalar *tabledef.FieldDef
	Array  *ArrayFieldInfo
}

// Columns returns the canonical column order for def given its detected
// array fields.
func Columns(def *tabledef.TableDef, infos []ArrayFieldInfo) []Column {
	var cols []Column
	for _, f := range ScalarFields(def, infos) {
		f := f
		cols = append(cols, Column{Name: f.Name, Scalar: &f})
	}
	for i := range infos {
		info := infos[i]
		cols = append(cols, Column{Name: info.SQLiteColumnName, Array: &info})
	}
	return cols
}
