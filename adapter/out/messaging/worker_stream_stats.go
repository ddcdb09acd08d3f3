package messaging

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// StreamStats is the backlog of one stream for a consumer group.
type StreamStats struct {
	Length     int64 `json:"length"`
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

// Backlog reports length, pending and dead-letter counts of each stream.
// Streams or groups that do not exist yet count as empty.
func Backlog(ctx context.Context, client *redis.Client, group string, streams ...string) (map[string]StreamStats, error) {
	stats := make(map[string]StreamStats, len(streams))

	for _, stream := range streams {
		var s StreamStats
		var err error

		if s.Length, err = client.XLen(ctx, stream).Result(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if s.DeadLetter, err = client.XLen(ctx, dlqPrefix+stream).Result(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}

		info, err := client.XPending(ctx, stream, group).Result()
		switch {
		case err == nil:
			s.Pending = info.Count
		case isNoGroup(err):
		default:
			return nil, err
		}

		stats[stream] = s
	}
	return stats, nil
}

func isNoGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "NOGROUP")
}
