package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
)

// Column names shared by the TSV header and the SQLite table.
const (
	colID               = "prompt_id"
	colTitle            = "title"
	colWave             = "wave"
	colCategory         = "category"
	colModel            = "model"
	colTools            = "tools"
	colTemperature      = "temperature"
	colTokenBudget      = "token_budget"
	colTimeoutSec       = "timeout_sec"
	colMaxRetries       = "max_retries"
	colConcurrencyClass = "concurrency_class"
	colExpectedOutputs  = "expected_outputs"
	colPrompt           = "prompt"
	colContextFile      = "context_file"
	colNotes            = "notes"
)

var requiredColumns = []string{colID, colTitle, colWave, colCategory, colExpectedOutputs}

// tsvColumns is the column order written by Save.
var tsvColumns = []string{
	colID, colTitle, colWave, colCategory, colModel, colTools, colTemperature,
	colTokenBudget, colTimeoutSec, colMaxRetries, colConcurrencyClass,
	colExpectedOutputs, colPrompt, colContextFile, colNotes,
}

// TSV is a registry backed by a tab-separated file with a header row.
// Optional columns may be absent or blank; blanks take registry defaults.
type TSV struct {
	path string
}

// NewTSV returns a TSV registry at path. The file is read on Load.
func NewTSV(path string) *TSV {
	return &TSV{path: path}
}

func (t *TSV) Source() string { return t.path }

func (t *TSV) Close() error { return nil }

func (t *TSV) Validate() (bool, []string) { return validate(t) }

func newTSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// Load parses every row. Row numbers in errors count the header as row 1.
func (t *TSV) Load() ([]model.UnitPolicy, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", t.path, err)
	}
	defer f.Close()

	cr := newTSVReader(f)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Source: t.path, Row: 1, Message: "missing header row"}
		}
		return nil, &ParseError{Source: t.path, Row: 1, Message: err.Error()}
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, &ParseError{Source: t.path, Row: 1, Field: col, Message: "missing required column"}
		}
	}

	var units []model.UnitPolicy
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			row := 0
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				row = csvErr.Line
			}
			return nil, &ParseError{Source: t.path, Row: row, Message: err.Error()}
		}
		line, _ := cr.FieldPos(0)
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		u, err := parseRow(t.path, line, cell)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, nil
}

// parseRow builds a unit from one row's cells and checks it against the
// row schema. Blank optional cells take defaults.
func parseRow(source string, row int, cell func(col string) string) (model.UnitPolicy, error) {
	fail := func(field, format string, args ...any) (model.UnitPolicy, error) {
		return model.UnitPolicy{}, &ParseError{Source: source, Row: row, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	for _, col := range requiredColumns {
		if cell(col) == "" {
			return fail(col, "required value is empty")
		}
	}

	wave, err := model.ParseWave(cell(colWave))
	if err != nil {
		return fail(colWave, "%v", err)
	}

	u := model.UnitPolicy{
		ID:               cell(colID),
		Title:            cell(colTitle),
		Wave:             wave,
		Category:         cell(colCategory),
		Model:            cell(colModel),
		Tools:            cell(colTools),
		Temperature:      model.DefaultTemperature,
		TokenBudget:      model.DefaultTokenBudget,
		TimeoutSec:       model.DefaultTimeoutSec,
		MaxRetries:       model.DefaultMaxRetries,
		ConcurrencyClass: model.DefaultConcurrencyClass,
		ExpectedOutputs:  cell(colExpectedOutputs),
		Prompt:           cell(colPrompt),
		ContextFile:      cell(colContextFile),
		Notes:            cell(colNotes),
	}

	if s := cell(colConcurrencyClass); s != "" {
		c, err := model.ParseConcurrencyClass(s)
		if err != nil {
			return fail(colConcurrencyClass, "%v", err)
		}
		u.ConcurrencyClass = c
	}
	if s := cell(colTemperature); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fail(colTemperature, "not a number: %q", s)
		}
		u.Temperature = v
	}
	ints := []struct {
		col string
		dst *int
	}{
		{colTokenBudget, &u.TokenBudget},
		{colTimeoutSec, &u.TimeoutSec},
		{colMaxRetries, &u.MaxRetries},
	}
	for _, f := range ints {
		s := cell(f.col)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fail(f.col, "not an integer: %q", s)
		}
		*f.dst = v
	}

	u = u.WithDefaults()
	if err := CheckUnit(source, row, u); err != nil {
		return model.UnitPolicy{}, err
	}
	return u, nil
}

// Save rewrites the file with a full header and one row per unit.
func (t *TSV) Save(units []model.UnitPolicy) error {
	if dups := DuplicateIDs(units); len(dups) > 0 {
		return fmt.Errorf("save registry: %w: %s", ErrDuplicateIDs, strings.Join(dups, ", "))
	}

	var b strings.Builder
	if err := EncodeTSV(&b, units); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	if err := fsx.WriteBytes(t.path, []byte(b.String())); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// EncodeTSV writes units to w as a tab-separated table with a header row,
// in the column order the TSV backend reads.
func EncodeTSV(w io.Writer, units []model.UnitPolicy) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(tsvColumns); err != nil {
		return err
	}
	for _, u := range units {
		row := []string{
			u.ID, u.Title, string(u.Wave), u.Category, u.Model, u.Tools,
			strconv.FormatFloat(u.Temperature, 'f', -1, 64),
			strconv.Itoa(u.TokenBudget), strconv.Itoa(u.TimeoutSec), strconv.Itoa(u.MaxRetries),
			string(u.ConcurrencyClass), u.ExpectedOutputs, u.Prompt, u.ContextFile, u.Notes,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
