package aggregate

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyevans/knowledge-mapper/internal/eventstore"
)

func eventOf(t *testing.T, aggID uuid.UUID, eventType string, payload []byte) eventstore.Event {
	t.Helper()
	evt := eventstore.NewEvent(aggID, "ExtractionProcess", eventType, nil, payload)
	evt.AggregateVersion = 1
	return evt
}

func TestHappyPathEmitsSixEventsAtVersionSix(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	tenantID := uuid.New()

	require.NoError(t, proc.RequestExtraction(tenantID, "page-1", "https://x/a", "h1", nil))
	require.NoError(t, proc.Start("w1"))

	_, err := proc.RecordEntity("organization", "A", "a", nil, 0.9, nil)
	require.NoError(t, err)
	_, err = proc.RecordEntity("organization", "B", "b", nil, 0.9, nil)
	require.NoError(t, err)
	_, err = proc.RecordRelationship("A", "B", "RELATED_TO", 0.8, nil)
	require.NoError(t, err)
	require.NoError(t, proc.Complete(1500, "llm"))

	assert.Equal(t, 6, proc.Version())
	assert.Equal(t, ExtractionStateCompleted, proc.State())
	assert.Len(t, proc.UncommittedEvents(), 6)
}

func TestRecordEntityRejectedOutsideInProgress(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	_, err := proc.RecordEntity("organization", "A", "a", nil, 0.9, nil)
	require.Error(t, err)
}

func TestCompleteRequiresInProgress(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	require.NoError(t, proc.RequestExtraction(uuid.New(), "page-1", "https://x/a", "h1", nil))
	err := proc.Complete(100, "llm")
	require.Error(t, err)
}

func TestScheduleRetryRequiresRetryableFailure(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	require.NoError(t, proc.RequestExtraction(uuid.New(), "page-1", "https://x/a", "h1", nil))
	require.NoError(t, proc.Start("w1"))
	require.NoError(t, proc.Fail("boom", "provider_error", true))

	require.NoError(t, proc.ScheduleRetry(time.Now().Add(time.Minute), 30))
	assert.Equal(t, ExtractionStateRetryScheduled, proc.State())
}

func TestScheduleRetryRejectedWhenNotRetryable(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	require.NoError(t, proc.RequestExtraction(uuid.New(), "page-1", "https://x/a", "h1", nil))
	require.NoError(t, proc.Start("w1"))
	require.NoError(t, proc.Fail("boom", "validation_error", false))

	err := proc.ScheduleRetry(time.Now().Add(time.Minute), 30)
	require.Error(t, err)
}

func TestApplyUnknownEventTypeFailsLoudly(t *testing.T) {
	proc := NewExtractionProcess(uuid.New())
	err := proc.Apply(eventOf(t, proc.id, "SomethingUnknown", []byte(`{}`)))
	require.Error(t, err)
}
