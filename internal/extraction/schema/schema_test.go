package schema

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

const validYAML = `
domain_id: Test_Domain
display_name: Test Domain
version: "1"
entity_types:
  - id: widget
    display_name: Widget
relationship_types:
  - id: USES
    display_name: Uses
    allowed_pairs:
      - [widget, widget]
thresholds:
  entity_extraction: 0.5
  relationship_extraction: 0.5
`

func fakeSource(files map[string]string) fstest.MapFS {
	m := fstest.MapFS{}
	for name, content := range files {
		m[name] = &fstest.MapFile{Data: []byte(content)}
	}
	return m
}

func TestByIDNormalizesCaseAndWhitespace(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{"test.yaml": validYAML}), false)

	s, err := r.ByID("  test_domain ")
	require.NoError(t, err)
	assert.Equal(t, "test_domain", s.DomainID)
	assert.Equal(t, "Test Domain", s.DisplayName)
}

func TestByIDUnknownDomainReturnsNotFound(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{"test.yaml": validYAML}), false)

	_, err := r.ByID("nonexistent")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestLoadIsIdempotentWithoutForce(t *testing.T) {
	src := fakeSource(map[string]string{"test.yaml": validYAML})
	r := NewRegistry(src, false)

	n1, err := r.Load(false)
	require.NoError(t, err)
	delete(src, "test.yaml")

	n2, err := r.Load(false)
	require.NoError(t, err)
	assert.Equal(t, n1, n2)
}

func TestHotReloadReflectsChangesOnEveryAccess(t *testing.T) {
	src := fakeSource(map[string]string{"test.yaml": validYAML})
	r := NewRegistry(src, true)

	require.True(t, r.Has("test_domain"))

	delete(src, "test.yaml")
	assert.False(t, r.Has("test_domain"))
}

func TestDefaultFallsBackToEncyclopediaWhenPresent(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{
		"test.yaml": validYAML,
		"encyclopedia.yaml": `
domain_id: encyclopedia
display_name: Encyclopedia
version: "1"
`,
	}), false)

	s, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, DefaultDomainID, s.DomainID)
}

func TestDefaultFallsBackToFirstSchemaWhenNoEncyclopedia(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{"test.yaml": validYAML}), false)

	s, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "test_domain", s.DomainID)
}

func TestByEntityTypeFindsMatchingSchemas(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{"test.yaml": validYAML}), false)

	matches, err := r.ByEntityType("Widget")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "test_domain", matches[0].DomainID)
}

func TestLoadRejectsFileMissingDomainID(t *testing.T) {
	r := NewRegistry(fakeSource(map[string]string{"bad.yaml": "display_name: No ID\n"}), false)

	_, err := r.Load(false)
	assert.True(t, apperrors.Is(err, apperrors.KindDecoding))
}

func TestGetInstanceReturnsSameRegistryAcrossCalls(t *testing.T) {
	ResetInstance()
	defer ResetInstance()

	a := GetInstance(fakeSource(map[string]string{"test.yaml": validYAML}), false)
	b := GetInstance(fakeSource(map[string]string{}), false)

	assert.Same(t, a, b)
}

func TestDefaultSchemasEmbedsEncyclopediaFallback(t *testing.T) {
	r := NewRegistry(DefaultSchemas(), false)

	s, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, DefaultDomainID, s.DomainID)
}
