package evals

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/iancoleman/strcase"
	"github.com/mb0/glob"

	"github.com/go-go-golems/cricket/pkg/datasets"
)

// maxCellWords bounds how much of a long text field the report keeps.
const maxCellWords = 25

// Report is the tabular view over reconciled results: one row per dataset
// item, in index order. Column order is deterministic: sorted example fields,
// then sorted prediction fields, then the metric label. A field name present
// on both sides is disambiguated with example_/pred_ prefixes; everything
// else stays bare.
type Report struct {
	Columns []string
	Rows    [][]string
}

// BuildReport merges each item's labeled fields with its produced output, one
// row per result. A structured (mapping) output contributes one column per
// field; any other output lands in a single "prediction" column. metricLabel
// names the score column, snake_cased, falling back to "score" when empty.
// The transform is pure; results are reconciled first.
func BuildReport(results []ItemResult, metricLabel string) *Report {
	results = Reconcile(results)

	exampleKeys := map[string]bool{}
	predKeys := map[string]bool{}
	flatOutput := false

	records := make([]datasets.Fields, len(results))
	predictions := make([]map[string]any, len(results))
	for i, r := range results {
		records[i] = r.Item.Record()
		for k := range records[i] {
			exampleKeys[k] = true
		}
		if m := outputFields(r.Output); m != nil {
			predictions[i] = m
			for k := range m {
				predKeys[k] = true
			}
		} else if r.Output != nil {
			flatOutput = true
		}
	}
	if flatOutput {
		predKeys["prediction"] = true
	}

	scoreColumn := "score"
	if metricLabel != "" {
		scoreColumn = strcase.ToSnake(metricLabel)
	}

	// field name -> column name, prefixed only on collision
	exampleColumns := map[string]string{}
	predColumns := map[string]string{}
	columns := make([]string, 0, len(exampleKeys)+len(predKeys)+1)
	for _, k := range sortedKeys(exampleKeys) {
		name := k
		if predKeys[k] {
			name = "example_" + k
		}
		exampleColumns[k] = name
		columns = append(columns, name)
	}
	for _, k := range sortedKeys(predKeys) {
		name := k
		if exampleKeys[k] {
			name = "pred_" + k
		}
		predColumns[k] = name
		columns = append(columns, name)
	}
	columns = append(columns, scoreColumn)

	columnIndex := make(map[string]int, len(columns))
	for i, c := range columns {
		columnIndex[c] = i
	}

	rows := make([][]string, 0, len(results))
	for i, r := range results {
		row := make([]string, len(columns))
		for k, v := range records[i] {
			row[columnIndex[exampleColumns[k]]] = truncateCell(formatCell(v))
		}
		switch {
		case predictions[i] != nil:
			for k, v := range predictions[i] {
				row[columnIndex[predColumns[k]]] = truncateCell(formatCell(v))
			}
		case r.Output != nil:
			row[columnIndex[predColumns["prediction"]]] = truncateCell(formatCell(r.Output))
		}
		row[columnIndex[scoreColumn]] = strconv.FormatFloat(r.Score, 'g', -1, 64)
		rows = append(rows, row)
	}

	return &Report{
		Columns: columns,
		Rows:    rows,
	}
}

// FilterColumns keeps only the columns whose names match one of the glob
// patterns. An empty pattern list keeps everything.
func (r *Report) FilterColumns(patterns []string) (*Report, error) {
	if len(patterns) == 0 {
		return r, nil
	}

	keep := make([]int, 0, len(r.Columns))
	for i, c := range r.Columns {
		for _, p := range patterns {
			matching, err := glob.Match(p, c)
			if err != nil {
				return nil, fmt.Errorf("invalid field pattern %q: %w", p, err)
			}
			if matching {
				keep = append(keep, i)
				break
			}
		}
	}

	out := &Report{
		Columns: make([]string, 0, len(keep)),
		Rows:    make([][]string, 0, len(r.Rows)),
	}
	for _, i := range keep {
		out.Columns = append(out.Columns, r.Columns[i])
	}
	for _, row := range r.Rows {
		filtered := make([]string, 0, len(keep))
		for _, i := range keep {
			filtered = append(filtered, row[i])
		}
		out.Rows = append(out.Rows, filtered)
	}
	return out, nil
}

// Render writes the report as a tab-aligned table. When maxRows > 0 and the
// report is larger, only the first maxRows rows are shown, followed by a
// notice counting what was hidden.
func (r *Report) Render(w io.Writer, maxRows int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		header[i] = strings.ToUpper(c)
	}
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))

	shown := len(r.Rows)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}
	for _, row := range r.Rows[:shown] {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if hidden := len(r.Rows) - shown; hidden > 0 {
		_, _ = fmt.Fprintf(w, "... %d more rows not displayed ...\n", hidden)
	}
	return nil
}

// MarshalJSON renders rows as objects keyed by column name.
func (r *Report) MarshalJSON() ([]byte, error) {
	rows := make([]map[string]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]string, len(r.Columns))
		for i, c := range r.Columns {
			m[c] = row[i]
		}
		rows = append(rows, m)
	}
	return json.Marshal(rows)
}

func outputFields(output any) map[string]any {
	switch m := output.(type) {
	case datasets.Fields:
		return m
	case map[string]any:
		return m
	default:
		return nil
	}
}

func formatCell(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncateCell(s string) string {
	words := strings.Fields(s)
	if len(words) <= maxCellWords {
		return s
	}
	return strings.Join(words[:maxCellWords], " ") + "..."
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
