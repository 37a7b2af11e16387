package ingest

import (
	"context"
	"errors"

	"github.com/huntworks/picvault/internal/teams"
	"github.com/huntworks/picvault/internal/transport"
)

// Walker replays each team's message channel at startup so submissions
// posted while the service was down are still captured.
type Walker struct {
	registry *teams.Registry
	tr       transport.Transport
	pipeline *Pipeline
	logger   teams.Logger
}

func NewWalker(registry *teams.Registry, tr transport.Transport, pipeline *Pipeline, logger teams.Logger) *Walker {
	return &Walker{registry: registry, tr: tr, pipeline: pipeline, logger: logger}
}

// Run walks history for every registered team, newest first, stopping at
// each team's creation time. Per-message and per-team failures are logged
// and do not stop the walk; cancellation does.
func (w *Walker) Run(ctx context.Context) error {
	teamList := w.registry.Snapshot()
	for _, team := range teamList {
		if err := ctx.Err(); err != nil {
			return err
		}
		if team.DMChannelID == 0 {
			w.logf("team %s has no channel, skipping backfill", team.TeamName)
			continue
		}
		created := team.CreationTime
		err := w.tr.History(ctx, team.DMChannelID, func(msg transport.Message) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if msg.CreatedAt.Before(created) {
				return transport.ErrStopHistory
			}
			if err := w.pipeline.ProcessMessage(ctx, msg); err != nil {
				// Already counted by the pipeline; older messages in this
				// channel still deserve a look.
				w.logf("backfill team %s: message %d: %v", team.TeamName, msg.ID, err)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			w.logf("backfill team %s: %v", team.TeamName, err)
		}
	}
	w.logf("backfill complete for %d team(s)", len(teamList))
	return nil
}

func (w *Walker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
