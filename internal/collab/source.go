// Package collab holds in-process reference implementations of the external
// collaborators: a row source, a sandbox carrier, static credentials and a
// contact directory.
package collab

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/shipflow-core/server/internal/agent/model"
	errx "github.com/shipflow-core/server/internal/core/error"
)

// Column types understood by filters.
const (
	TypeString = "string"
	TypeNumber = "number"
	TypeBool   = "bool"
)

const maxColumnSamples = 3

// MemorySource serves rows held in memory. Filters are expr-lang boolean
// expressions over the column names, e.g. `state == "CA" && weight_lbs > 2`.
type MemorySource struct {
	mu       sync.RWMutex
	identity string
	kind     string
	columns  []model.Column
	rows     []model.Row
}

var _ model.RowSource = (*MemorySource)(nil)

// NewMemorySource returns a source with nothing connected.
func NewMemorySource() *MemorySource { return &MemorySource{} }

// Load connects rows under identity, replacing whatever was connected.
// Columns are inferred from the rows when none are given.
func (s *MemorySource) Load(identity, kind string, columns []model.Column, rows []model.Row) {
	if columns == nil {
		columns = inferColumns(rows)
	}
	cols := make([]model.Column, len(columns))
	copy(cols, columns)
	for i := range cols {
		cols[i].Samples = samples(rows, cols[i].Name)
		cols[i].Nullable = cols[i].Nullable || hasNull(rows, cols[i].Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.kind = kind
	s.columns = cols
	s.rows = rows
}

// LoadCSV reads a header row plus records from r. Columns whose every
// non-empty value parses as a number are typed number.
func (s *MemorySource) LoadCSV(identity string, r io.Reader) error {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return fmt.Errorf("read csv %s: %w", identity, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("read csv %s: missing header", identity)
	}
	header := records[0]
	numeric := make([]bool, len(header))
	for i := range header {
		numeric[i] = true
		for _, rec := range records[1:] {
			if i >= len(rec) || rec[i] == "" {
				continue
			}
			if _, err := strconv.ParseFloat(rec[i], 64); err != nil {
				numeric[i] = false
				break
			}
		}
	}

	cols := make([]model.Column, len(header))
	for i, h := range header {
		cols[i] = model.Column{Name: strings.TrimSpace(h), Type: TypeString}
		if numeric[i] {
			cols[i].Type = TypeNumber
		}
	}
	rows := make([]model.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(model.Row, len(cols))
		for i, c := range cols {
			if i >= len(rec) || rec[i] == "" {
				row[c.Name] = nil
				continue
			}
			if c.Type == TypeNumber {
				f, _ := strconv.ParseFloat(rec[i], 64)
				row[c.Name] = f
				continue
			}
			row[c.Name] = rec[i]
		}
		rows = append(rows, row)
	}
	s.Load(identity, "csv", cols, rows)
	return nil
}

// Disconnect drops the current source.
func (s *MemorySource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity, s.kind, s.columns, s.rows = "", "", nil, nil
}

func (s *MemorySource) Snapshot(context.Context) (*model.DataSourceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == "" {
		return nil, nil
	}
	cols := make([]model.Column, len(s.columns))
	copy(cols, s.columns)
	return &model.DataSourceSnapshot{Identity: s.identity, Kind: s.kind, RowCount: len(s.rows), Columns: cols}, nil
}

func (s *MemorySource) ValidateFilter(_ context.Context, filter string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.compile(filter)
	return err
}

func (s *MemorySource) FetchRows(_ context.Context, filter string, limit int) (*model.RowSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == "" {
		return nil, errx.Coded(errx.CodeNotFound, http.StatusNotFound, "No data source is connected.", nil)
	}
	program, err := s.compile(filter)
	if err != nil {
		return nil, err
	}

	set := &model.RowSet{Rows: []model.Row{}}
	for _, row := range s.rows {
		if program != nil {
			out, err := expr.Run(program, s.env(row))
			if err != nil {
				return nil, errx.Coded(errx.CodeInvalidInput, http.StatusBadRequest,
					fmt.Sprintf("The filter failed on a row: %v", err), err)
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		set.Count++
		if limit <= 0 || len(set.Rows) < limit {
			set.Rows = append(set.Rows, cloneRow(row))
		}
	}
	return set, nil
}

// compile type-checks filter against the column types. An empty filter
// matches every row.
func (s *MemorySource) compile(filter string) (*vm.Program, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil
	}
	env := make(map[string]any, len(s.columns))
	for _, c := range s.columns {
		env[c.Name] = zeroOf(c.Type)
	}
	program, err := expr.Compile(filter, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, errx.Coded(errx.CodeInvalidInput, http.StatusBadRequest,
			fmt.Sprintf("The filter is not valid: %v", err), err)
	}
	return program, nil
}

// env fills missing and null values with the zero of the column type so
// typed comparisons never see nil.
func (s *MemorySource) env(row model.Row) map[string]any {
	env := make(map[string]any, len(s.columns))
	for _, c := range s.columns {
		v, ok := row[c.Name]
		if !ok || v == nil {
			v = zeroOf(c.Type)
		}
		if c.Type == TypeNumber {
			v = toFloat(v)
		}
		env[c.Name] = v
	}
	return env
}

func zeroOf(typ string) any {
	switch typ {
	case TypeNumber:
		return float64(0)
	case TypeBool:
		return false
	default:
		return ""
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func inferColumns(rows []model.Row) []model.Column {
	types := map[string]string{}
	for _, r := range rows {
		for k, v := range r {
			if _, seen := types[k]; seen && types[k] != "" {
				continue
			}
			switch v.(type) {
			case nil:
				types[k] = ""
			case bool:
				types[k] = TypeBool
			case float64, float32, int, int64:
				types[k] = TypeNumber
			default:
				types[k] = TypeString
			}
		}
	}
	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]model.Column, len(names))
	for i, n := range names {
		t := types[n]
		if t == "" {
			t = TypeString
		}
		cols[i] = model.Column{Name: n, Type: t}
	}
	return cols
}

func samples(rows []model.Row, col string) []string {
	var out []string
	seen := map[string]bool{}
	for _, r := range rows {
		v, ok := r[col]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == maxColumnSamples {
			break
		}
	}
	return out
}

func hasNull(rows []model.Row, col string) bool {
	for _, r := range rows {
		if v, ok := r[col]; !ok || v == nil {
			return true
		}
	}
	return false
}

func cloneRow(r model.Row) model.Row {
	out := make(model.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
