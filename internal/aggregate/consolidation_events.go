package aggregate

// Event type constants for the consolidation domain (spec.md §6.2).
// EntitiesMerged, AliasCreated, MergeUndone and EntitySplit are emitted
// directly by the merge service (internal/consolidation/merge) against
// aggregate_type "ConsolidationProcess", keyed by the canonical entity id
// (the original entity id for EntitySplit). The BatchConsolidation* events
// are emitted by the batch job (internal/consolidation/batch) against
// aggregate_type "BatchConsolidationRun", keyed by the run's batch id.
// MergeCandidateIdentified, MergeQueuedForReview and MergeReviewDecision
// are not appended anywhere in this module. There is no
// command/state-machine aggregate behind any of them the way
// ExtractionProcess has one; the merge service itself enforces the
// preconditions (no alias chains, at-least-two split targets, and so on)
// before appending.
const (
	EventMergeCandidateIdentified = "MergeCandidateIdentified"
	EventEntitiesMerged           = "EntitiesMerged"
	EventAliasCreated             = "AliasCreated"
	EventMergeQueuedForReview     = "MergeQueuedForReview"
	EventMergeReviewDecision      = "MergeReviewDecision"
	EventMergeUndone              = "MergeUndone"
	EventEntitySplit              = "EntitySplit"
	EventBatchConsolidationStarted   = "BatchConsolidationStarted"
	EventBatchConsolidationProgress  = "BatchConsolidationProgress"
	EventBatchConsolidationCompleted = "BatchConsolidationCompleted"
	EventBatchConsolidationFailed    = "BatchConsolidationFailed"
	EventConsolidationConfigUpdated  = "ConsolidationConfigUpdated"
)

// MergeCandidateIdentifiedPayload is the body of a MergeCandidateIdentified event.
type MergeCandidateIdentifiedPayload struct {
	TenantID           string         `json:"tenant_id"`
	EntityAID          string         `json:"entity_a_id"`
	EntityBID          string         `json:"entity_b_id"`
	CombinedConfidence float64        `json:"combined_confidence"`
	SimilarityScores   map[string]any `json:"similarity_scores"`
	BlockingKeysMatched []string      `json:"blocking_keys_matched"`
}

// EntitiesMergedPayload is the body of an EntitiesMerged event.
type EntitiesMergedPayload struct {
	TenantID                 string         `json:"tenant_id"`
	CanonicalEntityID        string         `json:"canonical_entity_id"`
	MergedEntityIDs          []string       `json:"merged_entity_ids"`
	MergeReason              string         `json:"merge_reason"`
	SimilarityScores         map[string]any `json:"similarity_scores"`
	PropertyMergeDetails     map[string]any `json:"property_merge_details"`
	RelationshipTransferCount int           `json:"relationship_transfer_count"`
	MergedByUserID           *string        `json:"merged_by_user_id,omitempty"`
}

// AliasCreatedPayload is the body of an AliasCreated event.
type AliasCreatedPayload struct {
	TenantID           string `json:"tenant_id"`
	AliasID            string `json:"alias_id"`
	CanonicalEntityID  string `json:"canonical_entity_id"`
	AliasName          string `json:"alias_name"`
	OriginalEntityID   string `json:"original_entity_id"`
	MergeEventID       string `json:"merge_event_id"`
}

// MergeQueuedForReviewPayload is the body of a MergeQueuedForReview event.
type MergeQueuedForReviewPayload struct {
	TenantID         string         `json:"tenant_id"`
	EntityAID        string         `json:"entity_a_id"`
	EntityBID        string         `json:"entity_b_id"`
	Confidence       float64        `json:"confidence"`
	ReviewPriority   int            `json:"review_priority"`
	QueueReason      string         `json:"queue_reason"`
	SimilarityScores map[string]any `json:"similarity_scores"`
}

// MergeReviewDecisionPayload is the body of a MergeReviewDecision event.
type MergeReviewDecisionPayload struct {
	TenantID          string  `json:"tenant_id"`
	ReviewItemID      string  `json:"review_item_id"`
	EntityAID         string  `json:"entity_a_id"`
	EntityBID         string  `json:"entity_b_id"`
	Decision          string  `json:"decision"` // approve|reject|defer|mark_different
	ReviewerUserID    string  `json:"reviewer_user_id"`
	ReviewerNotes     *string `json:"reviewer_notes,omitempty"`
	OriginalConfidence float64 `json:"original_confidence"`
}

// MergeUndonePayload is the body of a MergeUndone event.
type MergeUndonePayload struct {
	TenantID             string   `json:"tenant_id"`
	OriginalMergeEventID string   `json:"original_merge_event_id"`
	CanonicalEntityID    string   `json:"canonical_entity_id"`
	RestoredEntityIDs    []string `json:"restored_entity_ids"`
	OriginalEntityIDs    []string `json:"original_entity_ids"`
	UndoReason           string   `json:"undo_reason"`
	UndoneByUserID       string   `json:"undone_by_user_id"`
}

// RelationshipAssignment maps a relationship, by id, to the new entity id
// it should be reassigned to during a split.
type RelationshipAssignment struct {
	RelationshipID string `json:"relationship_id"`
	NewEntityID    string `json:"new_entity_id"`
}

// EntitySplitPayload is the body of an EntitySplit event.
type EntitySplitPayload struct {
	TenantID                string                    `json:"tenant_id"`
	OriginalEntityID        string                    `json:"original_entity_id"`
	NewEntityIDs            []string                  `json:"new_entity_ids"`
	NewEntityNames          []string                  `json:"new_entity_names"`
	RelationshipAssignments []RelationshipAssignment  `json:"relationship_assignments,omitempty"`
	PropertyAssignments     map[string]map[string]any `json:"property_assignments,omitempty"`
	SplitReason             string                    `json:"split_reason"`
	SplitByUserID           string                    `json:"split_by_user_id"`
}

// BatchConsolidationStartedPayload is the body of a BatchConsolidationStarted event.
type BatchConsolidationStartedPayload struct {
	TenantID      string `json:"tenant_id"`
	BatchID       string `json:"batch_id"`
	TotalEntities int    `json:"total_entities"`
	StartedAt     string `json:"started_at"`
}

// BatchConsolidationProgressPayload is the body of a BatchConsolidationProgress event.
type BatchConsolidationProgressPayload struct {
	TenantID        string `json:"tenant_id"`
	BatchID         string `json:"batch_id"`
	EntitiesScanned int    `json:"entities_scanned"`
	MergesApplied   int    `json:"merges_applied"`
	ReviewsQueued   int    `json:"reviews_queued"`
	Failures        int    `json:"failures"`
}

// BatchConsolidationCompletedPayload is the body of a BatchConsolidationCompleted event.
type BatchConsolidationCompletedPayload struct {
	TenantID        string `json:"tenant_id"`
	BatchID         string `json:"batch_id"`
	EntitiesScanned int    `json:"entities_scanned"`
	MergesApplied   int    `json:"merges_applied"`
	ReviewsQueued   int    `json:"reviews_queued"`
	Failures        int    `json:"failures"`
	DurationMS      int64  `json:"duration_ms"`
	CompletedAt     string `json:"completed_at"`
}

// BatchConsolidationFailedPayload is the body of a BatchConsolidationFailed event.
type BatchConsolidationFailedPayload struct {
	TenantID     string `json:"tenant_id"`
	BatchID      string `json:"batch_id"`
	ErrorMessage string `json:"error_message"`
}

// ConsolidationConfigUpdatedPayload is the body of a ConsolidationConfigUpdated event.
type ConsolidationConfigUpdatedPayload struct {
	TenantID      string         `json:"tenant_id"`
	UpdatedFields []string       `json:"updated_fields"`
	OldValues     map[string]any `json:"old_values"`
	NewValues     map[string]any `json:"new_values"`
	UpdatedByUserID string       `json:"updated_by_user_id"`
}
