package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed default.cue
var defaultCUE []byte

// LoadError reports a registry definition problem with its CUE position
// when one is known.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the embedded fiber network registry.
func Default() (*Registry, error) {
	return Parse("default.cue", defaultCUE)
}

// MustDefault is Default for package-level initialisation and tests.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// Parse builds a registry from a single CUE source.
func Parse(filename string, src []byte) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return build(v)
}

// Load builds a registry from the CUE package in dir. An empty dir selects
// the embedded default.
func Load(dir string) (*Registry, error) {
	if dir == "" {
		return Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("registry directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("registry directory: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	v := ctx.BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return build(v)
}

func build(v cue.Value) (*Registry, error) {
	reg := &Registry{
		entities:   make(map[string]*Entity),
		procedures: make(map[string]Procedure),
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &LoadError{Field: "entity", Message: "no entities defined", Pos: v.Pos()}
	}
	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		e, err := parseEntity(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		reg.entities[e.Name] = e
	}

	procVal := v.LookupPath(cue.ParsePath("procedure"))
	if procVal.Exists() {
		iter, err := procVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			eph, err := optionalBool(iter.Value(), "ephemeral")
			if err != nil {
				return nil, err
			}
			reg.procedures[iter.Label()] = Procedure{Name: iter.Label(), Ephemeral: eph}
		}
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func parseEntity(name string, v cue.Value) (*Entity, error) {
	e := &Entity{Name: name, Sync: StrategyFull}
	var err error

	if e.Key, err = stringList(v, "key"); err != nil {
		return nil, err
	}
	if len(e.Key) == 0 {
		e.Key = []string{"id"}
	}
	if e.Indexes, err = stringList(v, "indexes"); err != nil {
		return nil, err
	}
	if e.Invalidates, err = stringList(v, "invalidates"); err != nil {
		return nil, err
	}
	if e.View, err = optionalBool(v, "view"); err != nil {
		return nil, err
	}
	if e.Ephemeral, err = optionalBool(v, "ephemeral"); err != nil {
		return nil, err
	}
	if e.Related, err = optionalString(v, "related"); err != nil {
		return nil, err
	}
	if e.TimestampColumn, err = optionalString(v, "timestamp_column"); err != nil {
		return nil, err
	}
	sync, err := optionalString(v, "sync")
	if err != nil {
		return nil, err
	}
	if sync != "" {
		e.Sync = Strategy(sync)
	}

	schemaVal := v.LookupPath(cue.ParsePath("schema"))
	if schemaVal.Exists() {
		e.schema, err = compileSchema(name, schemaVal)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func compileSchema(entity string, v cue.Value) (*jsonschema.Schema, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &LoadError{Field: "entity." + entity + ".schema", Message: err.Error(), Pos: v.Pos()}
	}
	url := "mem://registry/" + entity + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, &LoadError{Field: "entity." + entity + ".schema", Message: err.Error(), Pos: v.Pos()}
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, &LoadError{Field: "entity." + entity + ".schema", Message: err.Error(), Pos: v.Pos()}
	}
	return sch, nil
}

func resolved(v cue.Value) cue.Value {
	if d, ok := v.Default(); ok {
		return d
	}
	return v
}

func stringList(v cue.Value, field string) ([]string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return nil, nil
	}
	iter, err := resolved(fv).List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", nil
	}
	s, err := resolved(fv).String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return false, nil
	}
	b, err := resolved(fv).Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &LoadError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
