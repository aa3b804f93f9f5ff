// Package schema validates object metadata against JSON-Schema documents
// installed in the directory tree.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator checks a metadata value against a schema document. Both values
// are plain Go values in the encoding/json shape (map[string]any, []any,
// string, float64, bool, nil) — the same shape node.NodeToValue produces.
type Validator interface {
	Validate(schemaDoc any, metadata any) error
}

type gojsonschemaValidator struct{}

// New returns the Validator used throughout the mount, backed by
// xeipuuv/gojsonschema.
func New() Validator { return gojsonschemaValidator{} }

func (gojsonschemaValidator) Validate(schemaDoc any, metadata any) error {
	schemaLoader := gojsonschema.NewGoLoader(schemaDoc)
	docLoader := gojsonschema.NewGoLoader(metadata)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	reasons := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		reasons = append(reasons, e.String())
	}
	return fmt.Errorf("%s", strings.Join(reasons, "; "))
}
