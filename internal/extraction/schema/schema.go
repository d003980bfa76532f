// Package schema is C9: the domain schema registry. It loads declarative
// domain schemas (entity types, relationship types, confidence thresholds)
// from a directory of YAML files and serves them read-only for the rest of
// the extraction pipeline.
package schema

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// DefaultDomainID is the built-in fallback domain used when no domain is
// configured or classification cannot resolve one confidently.
const DefaultDomainID = "encyclopedia"

// EntityType describes one entity kind a domain schema permits, with hints
// about the properties an extractor should populate on it.
type EntityType struct {
	ID            string   `yaml:"id"`
	DisplayName   string   `yaml:"display_name"`
	Description   string   `yaml:"description"`
	PropertyHints []string `yaml:"property_hints"`
}

// RelationshipType describes one relationship kind a domain schema permits,
// constrained to an allow-list of source/target entity type pairs.
type RelationshipType struct {
	ID           string       `yaml:"id"`
	DisplayName  string       `yaml:"display_name"`
	AllowedPairs [][2]string  `yaml:"allowed_pairs"`
}

// Thresholds carries the confidence floors a domain applies to its own
// extraction output.
type Thresholds struct {
	EntityExtraction       float64 `yaml:"entity_extraction"`
	RelationshipExtraction float64 `yaml:"relationship_extraction"`
}

// DomainSchema is one declarative domain definition loaded from a single
// YAML file. DomainID is case-insensitive and whitespace-trimmed at load
// time; callers always see the normalized form.
type DomainSchema struct {
	DomainID          string             `yaml:"domain_id"`
	DisplayName       string             `yaml:"display_name"`
	Version           string             `yaml:"version"`
	Description       string             `yaml:"description"`
	EntityTypes       []EntityType       `yaml:"entity_types"`
	RelationshipTypes []RelationshipType `yaml:"relationship_types"`
	Thresholds        Thresholds         `yaml:"thresholds"`
}

// EntityTypeIDs returns the normalized set of entity type ids this schema
// declares.
func (s DomainSchema) EntityTypeIDs() map[string]bool {
	ids := make(map[string]bool, len(s.EntityTypes))
	for _, et := range s.EntityTypes {
		ids[strings.ToLower(et.ID)] = true
	}
	return ids
}

// Summary is the lightweight listing form of a DomainSchema.
type Summary struct {
	DomainID    string
	DisplayName string
	Version     string
	Description string
}

func summaryOf(s DomainSchema) Summary {
	return Summary{DomainID: s.DomainID, DisplayName: s.DisplayName, Version: s.Version, Description: s.Description}
}

// Registry is a read-after-load store of domain schemas. Construct it with
// NewRegistry and call EnsureLoaded (or Load) once before use; after a
// successful load, all accessor methods are safe for concurrent use without
// further locking.
type Registry struct {
	source    fs.FS
	hotReload bool

	loadOnce sync.Mutex
	loaded   bool
	schemas  map[string]DomainSchema
}

// NewRegistry constructs a Registry reading every *.yaml/*.yml file at the
// root of source. Pass os.DirFS(dir) to load from an operator-supplied
// directory, or DefaultSchemas() to use the bundled built-in domains.
// hotReload, when true, reloads on every accessor call; this is a
// development convenience and should never be enabled in production.
func NewRegistry(source fs.FS, hotReload bool) *Registry {
	return &Registry{source: source, hotReload: hotReload, schemas: map[string]DomainSchema{}}
}

var (
	singleton     *Registry
	singletonOnce sync.Once
	singletonLock sync.Mutex
)

// GetInstance returns the process-wide singleton registry, constructing it
// on first call via sync.Once so concurrent callers never race to build
// two distinct instances or observe a partially-constructed one. source
// and hotReload are only honored on the call that performs construction;
// later calls ignore them.
func GetInstance(source fs.FS, hotReload bool) *Registry {
	singletonOnce.Do(func() {
		singleton = NewRegistry(source, hotReload)
	})
	return singleton
}

// ResetInstance clears the process-wide singleton. Tests only.
func ResetInstance() {
	singletonLock.Lock()
	defer singletonLock.Unlock()
	singleton = nil
	singletonOnce = sync.Once{}
}

// Load reads every *.yaml/*.yml file in the registry's directory and
// replaces the in-memory schema set. force re-reads even if already
// loaded; otherwise a prior successful load is a no-op.
func (r *Registry) Load(force bool) (int, error) {
	r.loadOnce.Lock()
	defer r.loadOnce.Unlock()
	if r.loaded && !force {
		return len(r.schemas), nil
	}

	entries, err := fs.ReadDir(r.source, ".")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindInternal, "domain schema directory unreadable", err)
	}

	loaded := map[string]DomainSchema{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		raw, err := fs.ReadFile(r.source, name)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.KindInternal, "domain schema file unreadable", err).WithDetails("path", name)
		}
		var s DomainSchema
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return 0, apperrors.Decoding(fmt.Sprintf("domain schema file %s", name), err)
		}
		s.DomainID = strings.ToLower(strings.TrimSpace(s.DomainID))
		if s.DomainID == "" {
			return 0, apperrors.Decoding(fmt.Sprintf("domain schema file %s", name), fmt.Errorf("domain_id is required"))
		}
		loaded[s.DomainID] = s
	}

	r.schemas = loaded
	r.loaded = true
	return len(r.schemas), nil
}

// EnsureLoaded loads the schema set if it has not yet been loaded, or
// reloads it unconditionally when hot reload is enabled.
func (r *Registry) EnsureLoaded() error {
	if r.hotReload {
		_, err := r.Load(true)
		return err
	}
	if r.loaded {
		return nil
	}
	_, err := r.Load(false)
	return err
}

// ByID returns the schema for domain_id (case-insensitive, trimmed).
func (r *Registry) ByID(domainID string) (DomainSchema, error) {
	if err := r.EnsureLoaded(); err != nil {
		return DomainSchema{}, err
	}
	normalized := strings.ToLower(strings.TrimSpace(domainID))
	s, ok := r.schemas[normalized]
	if !ok {
		return DomainSchema{}, apperrors.NotFound("domain_schema", domainID)
	}
	return s, nil
}

// Has reports whether domainID names a loaded schema.
func (r *Registry) Has(domainID string) bool {
	_, err := r.ByID(domainID)
	return err == nil
}

// Default returns the registry's fallback schema: the "encyclopedia"
// domain if loaded, else the first schema in id order, else an error if no
// schemas loaded at all.
func (r *Registry) Default() (DomainSchema, error) {
	if err := r.EnsureLoaded(); err != nil {
		return DomainSchema{}, err
	}
	if s, ok := r.schemas[DefaultDomainID]; ok {
		return s, nil
	}
	ids := r.sortedIDs()
	if len(ids) == 0 {
		return DomainSchema{}, apperrors.NotFound("domain_schema", DefaultDomainID)
	}
	return r.schemas[ids[0]], nil
}

// All returns every loaded schema as a Summary, sorted by display name.
func (r *Registry) All() ([]Summary, error) {
	if err := r.EnsureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, summaryOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

// ByEntityType returns every schema declaring entityType among its entity
// types.
func (r *Registry) ByEntityType(entityType string) ([]DomainSchema, error) {
	if err := r.EnsureLoaded(); err != nil {
		return nil, err
	}
	normalized := strings.ToLower(strings.TrimSpace(entityType))
	var out []DomainSchema
	for _, id := range r.sortedIDs() {
		s := r.schemas[id]
		if s.EntityTypeIDs()[normalized] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
