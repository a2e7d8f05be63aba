package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
)

const (
	// staleStreamAge is how old a stream's newest entry may be before the
	// whole stream is deleted, regardless of unread entries.
	staleStreamAge = 1 * time.Hour

	// idleConsumerAge is how long a consumer may sit idle with zero pending
	// messages before it is removed from its group.
	idleConsumerAge = 5 * time.Minute
)

// ReapReport summarises one reaper pass.
type ReapReport struct {
	StreamsScanned   int
	StreamsDeleted   int
	MessagesClaimed  int
	ConsumersDeleted int
}

// ReapStreams walks every audio stream and clears out dead state: empty or
// stale streams are deleted outright; for live streams, each group's pending
// messages are claimed and acked under the cleanup consumer, and consumers
// idle past the threshold with nothing pending are removed.
func ReapStreams(ctx context.Context, rdb *redis.Client) (*ReapReport, error) {
	report := &ReapReport{}

	iter := rdb.Scan(ctx, 0, kv.AudioStreamPattern, 100).Iterator()
	for iter.Next(ctx) {
		streamKey := iter.Val()
		report.StreamsScanned++

		deleted, err := reapStream(ctx, rdb, streamKey, report)
		if err != nil {
			slog.Warn("reap stream failed", "stream", streamKey, "err", err)
			continue
		}
		if deleted {
			report.StreamsDeleted++
		}
	}
	if err := iter.Err(); err != nil {
		return report, fmt.Errorf("session: scan streams: %w", err)
	}

	slog.Info("stream reaper pass complete",
		"scanned", report.StreamsScanned,
		"deleted", report.StreamsDeleted,
		"claimed", report.MessagesClaimed,
		"consumers_deleted", report.ConsumersDeleted,
	)
	return report, nil
}

// reapStream handles one stream; it reports whether the stream was deleted.
func reapStream(ctx context.Context, rdb *redis.Client, streamKey string, report *ReapReport) (bool, error) {
	length, err := rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return false, fmt.Errorf("xlen: %w", err)
	}
	if length == 0 {
		if err := rdb.Del(ctx, streamKey).Err(); err != nil {
			return false, fmt.Errorf("delete empty stream: %w", err)
		}
		slog.Debug("deleted empty stream", "stream", streamKey)
		return true, nil
	}

	last, err := rdb.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
	if err != nil {
		return false, fmt.Errorf("last entry: %w", err)
	}
	if len(last) == 1 && entryAge(last[0].ID) > staleStreamAge {
		if err := rdb.Del(ctx, streamKey).Err(); err != nil {
			return false, fmt.Errorf("delete stale stream: %w", err)
		}
		slog.Info("deleted stale stream", "stream", streamKey, "age", entryAge(last[0].ID))
		return true, nil
	}

	groups, err := rdb.XInfoGroups(ctx, streamKey).Result()
	if err != nil {
		// A stream without groups has nothing to reap.
		return false, nil
	}
	for _, g := range groups {
		if err := reapGroup(ctx, rdb, streamKey, g.Name, report); err != nil {
			slog.Warn("reap group failed", "stream", streamKey, "group", g.Name, "err", err)
		}
	}
	return false, nil
}

// reapGroup claims and acks every pending message under the cleanup consumer,
// then removes idle consumers with no remaining pending messages.
func reapGroup(ctx context.Context, rdb *redis.Client, streamKey, group string, report *ReapReport) error {
	pending, err := rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil && !strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		claimed, err := rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamKey,
			Group:    group,
			Consumer: kv.CleanupConsumer,
			MinIdle:  0,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim: %w", err)
		}
		for _, msg := range claimed {
			if err := rdb.XAck(ctx, streamKey, group, msg.ID).Err(); err != nil {
				slog.Warn("ack claimed message", "stream", streamKey, "id", msg.ID, "err", err)
				continue
			}
			report.MessagesClaimed++
		}
	}

	consumers, err := rdb.XInfoConsumers(ctx, streamKey, group).Result()
	if err != nil {
		return fmt.Errorf("xinfo consumers: %w", err)
	}
	for _, c := range consumers {
		if c.Name == kv.CleanupConsumer {
			continue
		}
		if c.Pending == 0 && c.Idle > idleConsumerAge {
			if err := rdb.XGroupDelConsumer(ctx, streamKey, group, c.Name).Err(); err != nil {
				slog.Warn("delete idle consumer", "stream", streamKey, "consumer", c.Name, "err", err)
				continue
			}
			report.ConsumersDeleted++
			slog.Info("deleted idle consumer", "stream", streamKey, "group", group, "consumer", c.Name)
		}
	}
	return nil
}

// entryAge derives the age of a stream entry from its id, whose first
// component is a millisecond timestamp.
func entryAge(id string) time.Duration {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}
	t, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	return time.Since(time.UnixMilli(t))
}
