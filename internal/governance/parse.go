package governance

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/semgate/internal/apperror"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "governance.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("governance schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("governance schema: %w", err)
	}
	return c.Compile(schemaURL)
})

// Parse decodes and validates a document in JSON or YAML form. An empty
// input yields the default document. Schema violations are reported as
// configuration errors.
func Parse(data []byte) (*Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Default(), nil
	}

	jsonData := data
	if data[0] != '{' {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, apperror.Configuration(fmt.Sprintf("governance document is not valid YAML: %v", err))
		}
		converted, err := json.Marshal(generic)
		if err != nil {
			return nil, apperror.Configuration(fmt.Sprintf("governance document has unsupported structure: %v", err))
		}
		jsonData = converted
	}

	if err := validate(jsonData); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, apperror.Configuration(fmt.Sprintf("governance document: %v", err))
	}
	if doc.Version == "" {
		doc.Version = DefaultVersion
	}
	doc.Cleanup()
	return &doc, nil
}

// Validate checks an already-typed document against the schema.
func Validate(doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	return validate(raw)
}

func validate(jsonData []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return apperror.Configuration(fmt.Sprintf("governance document is not valid JSON: %v", err))
	}
	if err := sch.Validate(inst); err != nil {
		return apperror.Configuration(fmt.Sprintf("governance document failed schema validation: %v", err))
	}
	return nil
}

// Marshal encodes doc as indented JSON.
func Marshal(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
