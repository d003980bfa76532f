package promptgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/extraction/schema"
)

func sampleSchema() schema.DomainSchema {
	return schema.DomainSchema{
		DomainID:    "literature_fiction",
		DisplayName: "Literature & Fiction",
		Description: "Narrative works and characters.",
		EntityTypes: []schema.EntityType{
			{ID: "character", DisplayName: "Character", Description: "A fictional person.", PropertyHints: []string{"aliases", "role"}},
			{ID: "work", DisplayName: "Work", Description: "A titled work."},
		},
		RelationshipTypes: []schema.RelationshipType{
			{ID: "APPEARS_IN", DisplayName: "Appears in", AllowedPairs: [][2]string{{"character", "work"}}},
		},
		Thresholds: schema.Thresholds{EntityExtraction: 0.6, RelationshipExtraction: 0.5},
	}
}

func TestGenerateIsPure(t *testing.T) {
	s := sampleSchema()
	a := Generate(s)
	b := Generate(s)
	assert.Equal(t, a, b)
}

func TestGeneratePromptEnumeratesTypesAndThresholds(t *testing.T) {
	g := Generate(sampleSchema())
	assert.Contains(t, g.SystemPrompt, "character (Character): A fictional person.")
	assert.Contains(t, g.SystemPrompt, "APPEARS_IN (Appears in): character->work")
	assert.Contains(t, g.SystemPrompt, "0.60")
	assert.Contains(t, g.SystemPrompt, "strict JSON")
}

func TestGenerateOutputSchemaEnumeratesTypes(t *testing.T) {
	g := Generate(sampleSchema())
	entities := g.OutputSchema.Properties["entities"].(map[string]interface{})
	items := entities["items"].(map[string]interface{})
	props := items["properties"].(map[string]interface{})
	typeProp := props["type"].(map[string]interface{})
	assert.Equal(t, []string{"character", "work"}, typeProp["enum"])
}

func TestValidatePropertyHintsAcceptsWellFormedHints(t *testing.T) {
	err := ValidatePropertyHints(sampleSchema())
	require.NoError(t, err)
}

func TestValidatePropertyHintsRejectsMalformedHint(t *testing.T) {
	s := sampleSchema()
	s.EntityTypes[0].PropertyHints = []string{"]]]"}

	err := ValidatePropertyHints(s)
	assert.Error(t, err)
}

func TestMarshalOutputSchemaProducesValidJSON(t *testing.T) {
	g := Generate(sampleSchema())
	raw, err := MarshalOutputSchema(g.OutputSchema)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"entities"`)
}
