// Package janitor garbage-collects topic state on a cron schedule: mappings
// idle beyond the configured horizon are closed, and placeholder mappings
// whose instance never came up are removed.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/topiclaw/internal/config"
	"github.com/nextlevelbuilder/topiclaw/internal/store"
)

// placeholderMaxAge bounds how long a pending_* mapping may wait for its
// instance:ready promotion before it is considered orphaned.
const placeholderMaxAge = 10 * time.Minute

// Janitor runs the cleanup passes.
type Janitor struct {
	cfg    config.JanitorConfig
	chatID int64
	topics *store.TopicStore
	cron   *gronx.Gronx
	log    *slog.Logger

	// onClose lets the supervisor tear down live resources (subscriptions,
	// instances) for a topic the janitor closes. Optional.
	onClose func(topicID int)

	placeholderAge time.Duration
}

// New builds a janitor over the topic store.
func New(cfg config.JanitorConfig, chatID int64, topics *store.TopicStore, onClose func(topicID int)) *Janitor {
	return &Janitor{
		cfg:     cfg,
		chatID:  chatID,
		topics:  topics,
		cron:    gronx.New(),
		onClose: onClose,
		log:     slog.With("component", "janitor"),

		placeholderAge: placeholderMaxAge,
	}
}

// Run blocks until ctx is cancelled, firing Sweep whenever the cron
// expression is due. The schedule is checked once a minute.
func (j *Janitor) Run(ctx context.Context) {
	if !j.cron.IsValid(j.cfg.Schedule) {
		j.log.Error("invalid janitor schedule, cleanup disabled", "schedule", j.cfg.Schedule)
		return
	}
	j.log.Info("janitor running", "schedule", j.cfg.Schedule)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := j.cron.IsDue(j.cfg.Schedule)
			if err != nil {
				j.log.Warn("schedule check failed", "error", err)
				continue
			}
			if due {
				j.Sweep()
			}
		}
	}
}

// Sweep runs one cleanup pass. Exposed for the doctor command and tests.
func (j *Janitor) Sweep() (closed, removed int) {
	horizon := time.Duration(j.cfg.IdleHorizonMs) * time.Millisecond
	if horizon > 0 {
		idle, err := j.topics.FindIdleMappings(horizon)
		if err != nil {
			j.log.Warn("idle mapping scan failed", "error", err)
		}
		for _, m := range idle {
			if store.IsPlaceholderSession(m.SessionID) {
				continue // handled below with a much shorter horizon
			}
			if err := j.topics.UpdateStatus(m.ChatID, m.TopicID, store.MappingClosed); err != nil {
				j.log.Warn("idle mapping close failed", "topic_id", m.TopicID, "error", err)
				continue
			}
			j.topics.AppendEvent(&store.TopicEvent{
				ChatID: m.ChatID, TopicID: m.TopicID, Type: store.EventClosed,
				Metadata: `{"reason":"idle"}`,
			})
			if j.onClose != nil {
				j.onClose(m.TopicID)
			}
			closed++
			j.log.Info("idle mapping closed", "topic_id", m.TopicID, "name", m.TopicName)
		}
	}

	stale, err := j.topics.FindStalePlaceholders(j.placeholderAge)
	if err != nil {
		j.log.Warn("placeholder scan failed", "error", err)
	}
	for _, m := range stale {
		if err := j.topics.DeleteMapping(m.ChatID, m.TopicID); err != nil {
			j.log.Warn("placeholder delete failed", "topic_id", m.TopicID, "error", err)
			continue
		}
		removed++
		j.log.Info("stale placeholder removed", "topic_id", m.TopicID, "session_id", m.SessionID)
	}

	if closed > 0 || removed > 0 {
		j.log.Info("sweep finished", "closed", closed, "removed", removed)
	}
	return closed, removed
}
