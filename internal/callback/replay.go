package callback

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobscout/internal/metrics"
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// ReplayReport counts the outcome of one replay pass.
type ReplayReport struct {
	Total  int `json:"total"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Replayer re-delivers dead-lettered callbacks.
type Replayer struct {
	store  scrape.DeadLetterStore
	sender *Sender
	logger *zap.Logger
}

// NewReplayer builds a Replayer.
func NewReplayer(store scrape.DeadLetterStore, sender *Sender, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{store: store, sender: sender, logger: logger.Named("replay")}
}

// Replay attempts each dead letter once with a fresh signature. Delivered
// entries are deleted; failures stay for a later pass. Only a failure to list
// the store is returned as an error.
func (r *Replayer) Replay(ctx context.Context) (ReplayReport, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("list dead letters: %w", err)
	}
	report := ReplayReport{Total: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			report.Failed += report.Total - report.Sent - report.Failed
			break
		}
		logger := r.logger.With(zap.String("dead_letter_id", id))
		entry, err := r.store.Get(ctx, id)
		if err != nil {
			logger.Warn("skip unreadable dead letter", zap.Error(err))
			report.Failed++
			metrics.ObserveDeadLetter("replay_failed")
			continue
		}
		dest := Destination{URL: entry.Destination, Token: entry.Token}
		if err := r.sender.Send(ctx, dest, entry.Payload); err != nil {
			logger.Warn("dead letter replay failed", zap.Error(err))
			report.Failed++
			metrics.ObserveDeadLetter("replay_failed")
			continue
		}
		report.Sent++
		metrics.ObserveDeadLetter("replayed")
		if err := r.store.Delete(ctx, id); err != nil {
			logger.Error("delivered dead letter could not be removed", zap.Error(err))
		}
	}
	r.logger.Info("dead letter replay finished",
		zap.Int("total", report.Total),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
