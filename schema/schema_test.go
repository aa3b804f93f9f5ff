package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateAccepts(t *testing.T) {
	v := New()
	doc := map[string]any{
		"type":                 "object",
		"required":             []any{"title"},
		"additionalProperties": false,
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
			"count": map[string]any{"type": "number"},
		},
	}
	meta := map[string]any{"title": "hello", "count": float64(3)}
	require.NoError(t, v.Validate(doc, meta))
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	v := New()
	doc := map[string]any{
		"type":     "object",
		"required": []any{"title"},
	}
	meta := map[string]any{"count": float64(3)}
	err := v.Validate(doc, meta)
	require.Error(t, err)
}

func TestValidateRejectsAdditionalProperties(t *testing.T) {
	v := New()
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"title": map[string]any{"type": "string"},
		},
	}
	meta := map[string]any{"title": "x", "extra": float64(1)}
	err := v.Validate(doc, meta)
	require.Error(t, err)
}

func TestValidateEnum(t *testing.T) {
	v := New()
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"enum": []any{"draft", "published"}},
		},
	}
	require.NoError(t, v.Validate(doc, map[string]any{"status": "draft"}))
	require.Error(t, v.Validate(doc, map[string]any{"status": "archived"}))
}
