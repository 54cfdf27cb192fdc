package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://roverworld.ai/schemas/"

// SchemaError is a request body that failed its schema.
type SchemaError struct {
	Request string
	Detail  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Request, e.Detail)
}

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}
	out := make(map[string]*jsonschema.Schema, len(names))
	for _, n := range names {
		s, err := c.Compile(schemaBase + n)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", n, err)
		}
		out[strings.TrimSuffix(n, ".schema.json")] = s
	}
	return out, nil
}

// Schemas compiles the embedded request schemas once.
func Schemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() { schemas, schemasErr = compileSchemas() })
	return schemas, schemasErr
}

// Validate checks body against the schema of request name.
func Validate(name string, body []byte) error {
	all, err := Schemas()
	if err != nil {
		return err
	}
	s, ok := all[name]
	if !ok {
		return fmt.Errorf("protocol: no schema for %s", name)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return &SchemaError{Request: name, Detail: "body is not JSON"}
	}
	if err := s.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return &SchemaError{Request: name, Detail: leafMessage(ve)}
		}
		return &SchemaError{Request: name, Detail: err.Error()}
	}
	return nil
}

// leafMessage picks the deepest cause, which names the offending field.
func leafMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
