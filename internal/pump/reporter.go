package pump

import (
	"context"
	"time"
)

// Stage is the step of a processing attempt that failed.
type Stage string

const (
	// StageHandler means the handler returned an error; the message was not deleted.
	StageHandler Stage = "handler"
	// StageDelete means the handler succeeded but the delete failed; the
	// message will be redelivered and handled again.
	StageDelete Stage = "delete"
)

// Failure describes a processing attempt that did not end with the message
// deleted.
type Failure struct {
	Queue         string
	MessageID     string
	DeliveryCount int
	Stage         Stage
	Err           error
	OccurredAt    time.Time
}

// Reporter receives processing failures. Report is called from the attempt's
// goroutine and may be called concurrently.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

type ReporterFunc func(ctx context.Context, f Failure)

func (fn ReporterFunc) Report(ctx context.Context, f Failure) {
	fn(ctx, f)
}

// LogReporter logs failures. It is used when no reporter is configured.
type LogReporter struct{}

func (LogReporter) Report(_ context.Context, f Failure) {
	fLog := log.With("queue", f.Queue, "message_id", f.MessageID, "delivery_count", f.DeliveryCount)
	switch f.Stage {
	case StageDelete:
		fLog.Errorw("Handled message could not be deleted and will be redelivered", "error", f.Err)
	default:
		fLog.Errorw("Message handler failed, message left for redelivery", "error", f.Err)
	}
}

// MultiReporter reports each failure to every reporter in order.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, f Failure) {
	for _, r := range m {
		r.Report(ctx, f)
	}
}
