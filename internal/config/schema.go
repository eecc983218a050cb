package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

//go:embed schema/config.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
	printer        = message.NewPrinter(language.English)
)

// SchemaIssue is one structural problem found in a config file.
type SchemaIssue struct {
	Path    string
	Message string
}

func (i SchemaIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// SchemaError reports every structural problem of a config file.
type SchemaError struct {
	Issues []SchemaIssue
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "config does not match schema: " + strings.Join(parts, "; ")
}

func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("config.schema.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compiling schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// ValidateSchema checks raw YAML against the embedded config schema. It
// returns a *SchemaError listing every issue when the document is invalid.
func ValidateSchema(data []byte) error {
	schema, err := getSchema()
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	jsonData, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting config to JSON: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("preparing config for validation: %w", err)
	}

	err = schema.Validate(inst)
	if err == nil {
		return nil
	}

	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return fmt.Errorf("unexpected validation error type: %w", err)
	}

	var issues []SchemaIssue
	collectIssues(ve, &issues)
	if len(issues) == 0 {
		issues = []SchemaIssue{{Message: ve.Error()}}
	}
	return &SchemaError{Issues: issues}
}

// collectIssues walks the error tree and keeps the leaves.
func collectIssues(ve *jsonschema.ValidationError, issues *[]SchemaIssue) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectIssues(cause, issues)
		}
		return
	}
	if ve.ErrorKind == nil {
		return
	}

	path := ""
	if len(ve.InstanceLocation) > 0 {
		path = "/" + strings.Join(ve.InstanceLocation, "/")
	}
	*issues = append(*issues, SchemaIssue{
		Path:    path,
		Message: ve.ErrorKind.LocalizedString(printer),
	})
}

// normalizeYAML converts YAML-decoded values to JSON-compatible types.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = normalizeYAML(v)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return v
	}
}
