package aggregate

// Event type constants for the ExtractionProcess stream (spec.md §6.2).
const (
	EventExtractionRequested  = "ExtractionRequested"
	EventExtractionStarted    = "ExtractionStarted"
	EventEntityExtracted      = "EntityExtracted"
	EventRelationshipDiscovered = "RelationshipDiscovered"
	EventExtractionCompleted  = "ExtractionCompleted"
	EventExtractionFailed     = "ExtractionFailed"
	EventExtractionRetryScheduled = "ExtractionRetryScheduled"
)

// ExtractionRequestedPayload is the body of an ExtractionRequested event.
type ExtractionRequestedPayload struct {
	PageID           string         `json:"page_id"`
	TenantID         string         `json:"tenant_id"`
	PageURL          string         `json:"page_url"`
	ContentHash      string         `json:"content_hash"`
	ExtractionConfig map[string]any `json:"extraction_config,omitempty"`
	RequestedAt      string         `json:"requested_at"`
}

// ExtractionStartedPayload is the body of an ExtractionStarted event.
type ExtractionStartedPayload struct {
	PageID    string `json:"page_id"`
	TenantID  string `json:"tenant_id"`
	WorkerID  string `json:"worker_id"`
	StartedAt string `json:"started_at"`
}

// EntityExtractedPayload is the body of an EntityExtracted event.
type EntityExtractedPayload struct {
	EntityID         string         `json:"entity_id"`
	TenantID         string         `json:"tenant_id"`
	EntityType       string         `json:"entity_type"`
	Name             string         `json:"name"`
	NormalizedName   string         `json:"normalized_name"`
	Properties       map[string]any `json:"properties,omitempty"`
	Description      *string        `json:"description,omitempty"`
	Confidence       float64        `json:"confidence"`
	ExtractionMethod string         `json:"extraction_method"`
	SourceText       *string        `json:"source_text,omitempty"`
}

// RelationshipDiscoveredPayload is the body of a RelationshipDiscovered event.
type RelationshipDiscoveredPayload struct {
	RelationshipID   string  `json:"relationship_id"`
	TenantID         string  `json:"tenant_id"`
	PageID           string  `json:"page_id"`
	SourceEntityName string  `json:"source_entity_name"`
	TargetEntityName string  `json:"target_entity_name"`
	RelationshipType string  `json:"relationship_type"`
	ConfidenceScore  float64 `json:"confidence_score"`
	Context          *string `json:"context,omitempty"`
}

// ExtractionCompletedPayload is the body of an ExtractionCompleted event.
type ExtractionCompletedPayload struct {
	EntityCount       int    `json:"entity_count"`
	RelationshipCount int    `json:"relationship_count"`
	DurationMS        int64  `json:"duration_ms"`
	ExtractionMethod  string `json:"extraction_method"`
	CompletedAt       string `json:"completed_at"`
}

// ExtractionFailedPayload is the body of an ExtractionFailed event.
type ExtractionFailedPayload struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	Retryable    bool   `json:"retryable"`
}

// ExtractionRetryScheduledPayload is the body of an ExtractionRetryScheduled event.
type ExtractionRetryScheduledPayload struct {
	ScheduledFor   string `json:"scheduled_for"`
	BackoffSeconds int    `json:"backoff_seconds"`
}
