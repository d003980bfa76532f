// Package promptgen is C11: a pure function from a domain schema to the
// system prompt and JSON output schema an extractor sends to the inference
// provider.
package promptgen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/tyevans/knowledge-mapper/internal/extraction/schema"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// JSONSchema is the structured output declaration handed to providers that
// support schema-constrained decoding.
type JSONSchema struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Required   []string               `json:"required"`
}

// Generated bundles the two artifacts a domain schema produces.
type Generated struct {
	SystemPrompt string
	OutputSchema JSONSchema
}

// Generate is pure: the same DomainSchema always yields the same prompt
// and output schema.
func Generate(s schema.DomainSchema) Generated {
	return Generated{
		SystemPrompt: buildPrompt(s),
		OutputSchema: buildOutputSchema(s),
	}
}

func buildPrompt(s schema.DomainSchema) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are an information extraction system operating in the %q domain (%s).\n\n", s.DomainID, s.DisplayName)
	if s.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", s.Description)
	}

	b.WriteString("Extract only entities of these types:\n")
	entityTypes := append([]schema.EntityType(nil), s.EntityTypes...)
	sort.Slice(entityTypes, func(i, j int) bool { return entityTypes[i].ID < entityTypes[j].ID })
	for _, et := range entityTypes {
		fmt.Fprintf(&b, "- %s (%s): %s\n", et.ID, et.DisplayName, et.Description)
	}

	b.WriteString("\nExtract only relationships of these types, between the listed source/target type pairs:\n")
	relTypes := append([]schema.RelationshipType(nil), s.RelationshipTypes...)
	sort.Slice(relTypes, func(i, j int) bool { return relTypes[i].ID < relTypes[j].ID })
	for _, rt := range relTypes {
		var pairs []string
		for _, p := range rt.AllowedPairs {
			pairs = append(pairs, fmt.Sprintf("%s->%s", p[0], p[1]))
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", rt.ID, rt.DisplayName, strings.Join(pairs, ", "))
	}

	fmt.Fprintf(&b, "\nOnly report entities at or above confidence %.2f and relationships at or above confidence %.2f.\n",
		s.Thresholds.EntityExtraction, s.Thresholds.RelationshipExtraction)
	b.WriteString("Respond with strict JSON matching the provided output schema. Do not include any text outside the JSON object.\n")

	return b.String()
}

func buildOutputSchema(s schema.DomainSchema) JSONSchema {
	entityTypeIDs := make([]string, 0, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		entityTypeIDs = append(entityTypeIDs, et.ID)
	}
	sort.Strings(entityTypeIDs)

	relationshipTypeIDs := make([]string, 0, len(s.RelationshipTypes))
	for _, rt := range s.RelationshipTypes {
		relationshipTypeIDs = append(relationshipTypeIDs, rt.ID)
	}
	sort.Strings(relationshipTypeIDs)

	return JSONSchema{
		Type: "object",
		Properties: map[string]interface{}{
			"entities": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name":        map[string]interface{}{"type": "string"},
						"type":        map[string]interface{}{"type": "string", "enum": entityTypeIDs},
						"description": map[string]interface{}{"type": "string"},
						"confidence":  map[string]interface{}{"type": "number"},
						"properties":  map[string]interface{}{"type": "object"},
					},
					"required": []string{"name", "type", "confidence"},
				},
			},
			"relationships": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"source":     map[string]interface{}{"type": "string"},
						"target":     map[string]interface{}{"type": "string"},
						"type":       map[string]interface{}{"type": "string", "enum": relationshipTypeIDs},
						"confidence": map[string]interface{}{"type": "number"},
					},
					"required": []string{"source", "target", "type", "confidence"},
				},
			},
		},
		Required: []string{"entities", "relationships"},
	}
}

// ValidatePropertyHints checks that every entity type's property hints
// resolve as JSONPath expressions against a sample document shaped like
// the generated output schema's entity properties object. It exists to
// catch a malformed property hint (e.g. a stray "$." typo) at schema-load
// time rather than silently dropping it at extraction time.
func ValidatePropertyHints(s schema.DomainSchema) error {
	sample := map[string]interface{}{}
	for _, et := range s.EntityTypes {
		for _, hint := range et.PropertyHints {
			sample[hint] = nil
		}
	}

	for _, et := range s.EntityTypes {
		for _, hint := range et.PropertyHints {
			expr := "$." + hint
			if _, err := jsonpath.Get(expr, sample); err != nil {
				return apperrors.Decoding(fmt.Sprintf("property hint %q on entity type %q", hint, et.ID), err)
			}
		}
	}
	return nil
}

// MarshalOutputSchema renders the output schema as indented JSON, the form
// a provider's schema-constrained decoding parameter expects.
func MarshalOutputSchema(s JSONSchema) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
