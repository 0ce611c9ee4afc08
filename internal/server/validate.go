package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaChat                 = "chat_request.json"
	schemaExtract              = "extract_request.json"
	schemaPalette              = "palette_request.json"
	schemaAccessibility        = "accessibility_request.json"
	schemaPaletteAccessibility = "palette_accessibility_request.json"
	schemaAnalyzeImage         = "analyze_image_request.json"
	schemaComprehensive        = "comprehensive_request.json"
)

// requestValidator checks inbound JSON bodies against the embedded schemas.
type requestValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", e.Name(), err)
		}
	}

	v := &requestValidator{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, e := range entries {
		s, err := c.Compile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		v.schemas[e.Name()] = s
	}
	return v, nil
}

// decode validates body against the named schema and unmarshals it into dst.
// The returned error text is safe to show to clients.
func (v *requestValidator) decode(schema string, body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is required")
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %s", schema)
	}
	if err := s.Validate(doc); err != nil {
		return errors.New(describeValidation(err))
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid request: %v", err)
	}
	return nil
}

// describeValidation reduces a schema error to its most specific cause.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return "invalid request: " + ve.Message
	}
	return fmt.Sprintf("invalid request: %s: %s", strings.ReplaceAll(loc, "/", "."), ve.Message)
}
