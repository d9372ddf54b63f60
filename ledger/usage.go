package ledger

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rainference/gateway/models"
)

// UsageSink receives completed usage facts.
type UsageSink interface {
	InsertUsage(ctx context.Context, rec models.UsageRecord) error
}

// Recorder persists per-request accounting off the request path. Record never
// blocks a handler: when the buffer is full the fact is dropped with a log
// line rather than stalling an inference response.
type Recorder struct {
	sink            UsageSink
	ratePerThousand decimal.Decimal
	records         chan models.UsageRecord
	done            chan struct{}
	started         bool
}

func NewRecorder(sink UsageSink, ratePerThousand decimal.Decimal, buffer int) *Recorder {
	return &Recorder{
		sink:            sink,
		ratePerThousand: ratePerThousand,
		records:         make(chan models.UsageRecord, buffer),
		done:            make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	r.started = true
	go func() {
		defer close(r.done)
		for rec := range r.records {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.sink.InsertUsage(ctx, rec); err != nil {
				log.Printf("ERROR: persisting usage for account %s: %v", rec.UserID, err)
			}
			cancel()
		}
	}()
}

// Record queues one usage fact derived from the backend's reported token
// counts.
func (r *Recorder) Record(userID, model string, usage models.Usage) {
	spending := r.ratePerThousand.
		Mul(decimal.NewFromInt(int64(usage.TotalTokens))).
		Div(decimal.NewFromInt(1000))

	rec := models.UsageRecord{
		UserID:           userID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Spending:         spending.StringFixed(6),
		CreatedAt:        time.Now().UTC(),
	}

	select {
	case r.records <- rec:
	default:
		log.Printf("WARN: usage buffer full, dropping record for account %s", userID)
	}
}

// Close drains queued records and stops the writer. Safe to call on a
// recorder whose worker was never started.
func (r *Recorder) Close() {
	close(r.records)
	if r.started {
		<-r.done
	}
}
