package failures

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/storacha/queuepump/internal/pump"
)

var log = logging.Logger("db/failures")

var _ pump.Reporter = (*Reporter)(nil)

// Reporter stores pump failures in a FailureTable.
type Reporter struct {
	table FailureTable
}

func NewReporter(table FailureTable) *Reporter {
	return &Reporter{table: table}
}

func (r *Reporter) Report(ctx context.Context, f pump.Failure) {
	if err := r.table.Record(ctx, NewFailureRecord(f)); err != nil {
		log.Errorw("Recording failure", "queue", f.Queue, "message_id", f.MessageID, "stage", f.Stage, "error", err)
	}
}
