package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/ensemble/internal/harness"
)

const (
	defaultStream = "ensemble:events"
	runsIndex     = "ensemble:runs"
	redisTimeout  = 5 * time.Second
)

// RunKey is where the final report of a run is stored.
func RunKey(runID string) string {
	return "ensemble:run:" + runID
}

// Redis appends every event to a stream and stores each finished run
// report under RunKey, indexed by start time in a sorted set. Write
// failures are logged and never interrupt the run.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

var _ harness.Reporter = (*Redis)(nil)

// NewRedis creates the sink. An empty stream uses "ensemble:events";
// maxLen > 0 caps the stream approximately.
func NewRedis(client *redis.Client, stream string, maxLen int64, logger *slog.Logger) *Redis {
	if stream == "" {
		stream = defaultStream
	}
	return &Redis{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

func (s *Redis) add(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("marshal event", "event", e.Event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"event": e.Event, "scenario": e.Scenario, "data": string(data)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Error("XADD failed", "stream", s.stream, "error", err)
	}
}

func (s *Redis) OnScenarioStart(name string) {
	s.add(Event{Event: EventScenarioStart, Scenario: name})
}

func (s *Redis) OnAssertion(scenario string, a harness.Assertion) {
	s.add(Event{Event: EventAssertion, Scenario: scenario, Assertion: &a})
}

func (s *Redis) OnScenarioEnd(r *harness.ScenarioReport) {
	s.add(Event{Event: EventScenarioEnd, Scenario: r.Name, Result: r})
}

func (s *Redis) OnRunEnd(r *harness.RunReport) {
	s.add(Event{Event: EventRunEnd, Run: r})

	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("marshal run report", "run", r.RunID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	key := RunKey(r.RunID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		s.logger.Error("SET failed", "key", key, "error", err)
		return
	}
	score := float64(r.StartedAt.UnixMilli())
	if err := s.client.ZAdd(ctx, runsIndex, redis.Z{Score: score, Member: r.RunID}).Err(); err != nil {
		s.logger.Error("ZADD failed", "key", runsIndex, "error", err)
	}
}

// LoadRun reads a stored run report.
func LoadRun(ctx context.Context, client *redis.Client, runID string) (*harness.RunReport, error) {
	data, err := client.Get(ctx, RunKey(runID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	var r harness.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}

// RecentRuns lists up to n run IDs, newest first.
func RecentRuns(ctx context.Context, client *redis.Client, n int64) ([]string, error) {
	return client.ZRevRange(ctx, runsIndex, 0, n-1).Result()
}
