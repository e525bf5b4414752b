package registry

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/helix/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// unitSchema holds the compiled #Unit definition. A cue.Context is not safe
// for concurrent use, so checks are serialized.
type unitSchema struct {
	mu   sync.Mutex
	ctx  *cue.Context
	unit cue.Value
}

var (
	schemaOnce sync.Once
	schema     *unitSchema
	schemaErr  error
)

func loadSchema() (*unitSchema, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile registry schema: %w", err)
			return
		}
		unit := v.LookupPath(cue.ParsePath("#Unit"))
		if !unit.Exists() {
			schemaErr = fmt.Errorf("compile registry schema: #Unit not defined")
			return
		}
		schema = &unitSchema{ctx: ctx, unit: unit}
	})
	return schema, schemaErr
}

// CheckUnit validates one unit policy against the row schema. The returned
// *ParseError names the first offending field.
func CheckUnit(source string, row int, p model.UnitPolicy) error {
	s, err := loadSchema()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.Encode(p)
	if err := v.Err(); err != nil {
		return &ParseError{Source: source, Row: row, Message: err.Error()}
	}
	err = s.unit.Unify(v).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ParseError{Source: source, Row: row, Message: err.Error()}
	}
	first := errs[0]
	field := ""
	if path := first.Path(); len(path) > 0 {
		field = path[len(path)-1]
	}
	return &ParseError{Source: source, Row: row, Field: field, Message: cleanCUEMessage(first.Error(), field)}
}

// cleanCUEMessage drops the "#Unit.field: " prefix CUE puts on messages.
func cleanCUEMessage(msg, field string) string {
	if field == "" {
		return msg
	}
	if i := strings.Index(msg, field+": "); i >= 0 {
		return msg[i+len(field)+2:]
	}
	return msg
}
