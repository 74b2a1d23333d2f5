package checks

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Load reads a check table from path. The format follows the extension:
// .yaml/.yml or .cue.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read check table: %w", err)
	}

	var t *Table
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		t, err = parseYAML(data)
	case ".cue":
		t, err = parseCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported check table format %q (want .yaml, .yml or .cue)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid check table %s: %w", path, err)
	}
	return t, nil
}

// parseYAML decodes with strict field checking so typos fail loudly.
func parseYAML(data []byte) (*Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &t, nil
}

// parseCUE unifies the file with the embedded #Table schema before decoding.
func parseCUE(data []byte, path string) (*Table, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("building schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Table")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validating against #Table: %w", err)
	}

	var t Table
	if err := unified.Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding CUE value: %w", err)
	}
	return &t, nil
}
