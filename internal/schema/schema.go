// Package schema validates captured payloads against per-endpoint JSON
// Schemas. A failed validation is data on the record, never a reason to
// reject the capture.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Compile checks that src is a usable JSON Schema. Called when a schema is
// attached to an endpoint so broken schemas are rejected up front.
func Compile(src string) error {
	_, err := compile(src)
	return err
}

func compile(src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// Validator caches compiled schemas by source text. Safe for concurrent use.
type Validator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*jsonschema.Schema)}
}

func (v *Validator) Validate(schemaSrc string, payload []byte) Result {
	compiled, err := v.compiled(schemaSrc)
	if err != nil {
		return Result{Errors: []string{"schema does not compile: " + err.Error()}}
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return Result{Errors: []string{"payload is not valid JSON: " + err.Error()}}
	}

	if err := compiled.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return Result{Errors: flatten(ve)}
		}
		return Result{Errors: []string{err.Error()}}
	}
	return Result{Valid: true}
}

func (v *Validator) compiled(src string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[src]; ok {
		return s, nil
	}
	s, err := compile(src)
	if err != nil {
		return nil, err
	}
	v.cache[src] = s
	return s, nil
}

// flatten walks the cause tree and keeps the leaves, which carry the
// instance locations developers actually look for.
func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
