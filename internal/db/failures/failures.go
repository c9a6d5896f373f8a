package failures

import (
	"context"
	"time"

	"github.com/storacha/queuepump/internal/pump"
)

// FailureRecord is a processing attempt that did not end with its message
// deleted.
type FailureRecord struct {
	Queue         string
	MessageID     string
	DeliveryCount int
	Stage         pump.Stage
	Error         string
	OccurredAt    time.Time
}

type FailureTable interface {
	Record(ctx context.Context, record FailureRecord) error
	// ListByQueue returns up to limit records for queue, most recent first.
	ListByQueue(ctx context.Context, queue string, limit int) ([]FailureRecord, error)
}

func NewFailureRecord(f pump.Failure) FailureRecord {
	rec := FailureRecord{
		Queue:         f.Queue,
		MessageID:     f.MessageID,
		DeliveryCount: f.DeliveryCount,
		Stage:         f.Stage,
		OccurredAt:    f.OccurredAt,
	}
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	return rec
}
