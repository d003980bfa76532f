package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
	"github.com/tyevans/knowledge-mapper/internal/platform/apperrors"
)

// ExtractionState is the ExtractionProcess aggregate's state machine.
type ExtractionState string

const (
	ExtractionStateNew            ExtractionState = ""
	ExtractionStateRequested      ExtractionState = "REQUESTED"
	ExtractionStateInProgress     ExtractionState = "IN_PROGRESS"
	ExtractionStateCompleted      ExtractionState = "COMPLETED"
	ExtractionStateFailed         ExtractionState = "FAILED"
	ExtractionStateRetryScheduled ExtractionState = "RETRY_SCHEDULED"
)

// ExtractionProcess is the extraction-domain aggregate: one page's
// extraction request through completion or failure.
type ExtractionProcess struct {
	id       uuid.UUID
	tenantID string
	version  int
	state    ExtractionState

	pageID            string
	pageURL           string
	workerID          string
	entityCount       int
	relationshipCount int
	lastError         string
	retryable         bool

	uncommitted []eventstore.Event
}

// NewExtractionProcess is the aggregate.Factory for ExtractionProcess.
func NewExtractionProcess(id uuid.UUID) *ExtractionProcess {
	return &ExtractionProcess{id: id, state: ExtractionStateNew}
}

func (p *ExtractionProcess) AggregateID() uuid.UUID   { return p.id }
func (p *ExtractionProcess) AggregateType() string    { return "ExtractionProcess" }
func (p *ExtractionProcess) Version() int             { return p.version }
func (p *ExtractionProcess) UncommittedEvents() []eventstore.Event { return p.uncommitted }
func (p *ExtractionProcess) ClearUncommitted()        { p.uncommitted = nil }

func (p *ExtractionProcess) State() ExtractionState { return p.state }

// Apply folds a single event (historical or just-emitted) into state.
func (p *ExtractionProcess) Apply(evt eventstore.Event) error {
	switch evt.EventType {
	case EventExtractionRequested:
		var payload ExtractionRequestedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		p.tenantID = payload.TenantID
		p.pageID = payload.PageID
		p.pageURL = payload.PageURL
		p.state = ExtractionStateRequested
	case EventExtractionStarted:
		var payload ExtractionStartedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		p.workerID = payload.WorkerID
		p.state = ExtractionStateInProgress
	case EventEntityExtracted:
		p.entityCount++
	case EventRelationshipDiscovered:
		p.relationshipCount++
	case EventExtractionCompleted:
		p.state = ExtractionStateCompleted
	case EventExtractionFailed:
		var payload ExtractionFailedPayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return err
		}
		p.lastError = payload.ErrorMessage
		p.retryable = payload.Retryable
		p.state = ExtractionStateFailed
	case EventExtractionRetryScheduled:
		p.state = ExtractionStateRetryScheduled
	default:
		return fmt.Errorf("extraction process: unknown event type %q", evt.EventType)
	}
	p.version = evt.AggregateVersion
	return nil
}

func (p *ExtractionProcess) emit(eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Internal("marshal event payload", err)
	}
	var tenantID *uuid.UUID
	if p.tenantID != "" {
		if parsed, err := uuid.Parse(p.tenantID); err == nil {
			tenantID = &parsed
		}
	}
	evt := eventstore.NewEvent(p.id, p.AggregateType(), eventType, tenantID, body)
	evt.AggregateVersion = p.version + 1
	p.uncommitted = append(p.uncommitted, evt)
	return p.Apply(evt)
}

// RequestExtraction starts a new extraction process. Valid only for a
// fresh (zero-version) aggregate.
func (p *ExtractionProcess) RequestExtraction(tenantID uuid.UUID, pageID, pageURL, contentHash string, config map[string]any) error {
	if p.state != ExtractionStateNew {
		return apperrors.Validation("extraction already requested")
	}
	p.tenantID = tenantID.String()
	return p.emit(EventExtractionRequested, ExtractionRequestedPayload{
		PageID:           pageID,
		TenantID:         tenantID.String(),
		PageURL:          pageURL,
		ContentHash:      contentHash,
		ExtractionConfig: config,
		RequestedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Start transitions REQUESTED (or RETRY_SCHEDULED) -> IN_PROGRESS.
func (p *ExtractionProcess) Start(workerID string) error {
	if p.state != ExtractionStateRequested && p.state != ExtractionStateRetryScheduled {
		return apperrors.Validation(fmt.Sprintf("cannot start extraction in state %s", p.state))
	}
	return p.emit(EventExtractionStarted, ExtractionStartedPayload{
		PageID:    p.pageID,
		TenantID:  p.tenantID,
		WorkerID:  workerID,
		StartedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// RecordEntity emits an EntityExtracted event and returns the assigned
// entity id. Valid only IN_PROGRESS.
func (p *ExtractionProcess) RecordEntity(entityType, name, normalizedName string, properties map[string]any, confidence float64, sourceText *string) (uuid.UUID, error) {
	if p.state != ExtractionStateInProgress {
		return uuid.Nil, apperrors.Validation(fmt.Sprintf("cannot record entity in state %s", p.state))
	}
	entityID := uuid.New()
	err := p.emit(EventEntityExtracted, EntityExtractedPayload{
		EntityID:         entityID.String(),
		TenantID:         p.tenantID,
		EntityType:       entityType,
		Name:             name,
		NormalizedName:   normalizedName,
		Properties:       properties,
		Confidence:       confidence,
		ExtractionMethod: "llm",
		SourceText:       sourceText,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return entityID, nil
}

// RecordRelationship emits a RelationshipDiscovered event. Valid only
// IN_PROGRESS.
func (p *ExtractionProcess) RecordRelationship(sourceEntityName, targetEntityName, relationshipType string, confidence float64, context *string) (uuid.UUID, error) {
	if p.state != ExtractionStateInProgress {
		return uuid.Nil, apperrors.Validation(fmt.Sprintf("cannot record relationship in state %s", p.state))
	}
	relID := uuid.New()
	err := p.emit(EventRelationshipDiscovered, RelationshipDiscoveredPayload{
		RelationshipID:   relID.String(),
		TenantID:         p.tenantID,
		PageID:           p.pageID,
		SourceEntityName: sourceEntityName,
		TargetEntityName: targetEntityName,
		RelationshipType: relationshipType,
		ConfidenceScore:  confidence,
		Context:          context,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return relID, nil
}

// Complete emits ExtractionCompleted. Valid only IN_PROGRESS.
func (p *ExtractionProcess) Complete(durationMS int64, extractionMethod string) error {
	if p.state != ExtractionStateInProgress {
		return apperrors.Validation(fmt.Sprintf("cannot complete extraction in state %s", p.state))
	}
	return p.emit(EventExtractionCompleted, ExtractionCompletedPayload{
		EntityCount:       p.entityCount,
		RelationshipCount: p.relationshipCount,
		DurationMS:        durationMS,
		ExtractionMethod:  extractionMethod,
		CompletedAt:       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Fail emits ExtractionFailed. Valid only IN_PROGRESS.
func (p *ExtractionProcess) Fail(errorMessage, errorType string, retryable bool) error {
	if p.state != ExtractionStateInProgress {
		return apperrors.Validation(fmt.Sprintf("cannot fail extraction in state %s", p.state))
	}
	return p.emit(EventExtractionFailed, ExtractionFailedPayload{
		ErrorMessage: errorMessage,
		ErrorType:    errorType,
		Retryable:    retryable,
	})
}

// ScheduleRetry emits ExtractionRetryScheduled. Valid only after a
// retryable failure.
func (p *ExtractionProcess) ScheduleRetry(scheduledFor time.Time, backoffSeconds int) error {
	if p.state != ExtractionStateFailed || !p.retryable {
		return apperrors.Validation(fmt.Sprintf("cannot schedule retry in state %s", p.state))
	}
	return p.emit(EventExtractionRetryScheduled, ExtractionRetryScheduledPayload{
		ScheduledFor:   scheduledFor.UTC().Format(time.RFC3339Nano),
		BackoffSeconds: backoffSeconds,
	})
}
