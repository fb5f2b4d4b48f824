package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
	"github.com/justapithecus/factorio-agent/internal/rcon"
)

// DefaultInterval is the poll cadence used when the Agent config
// doesn't override it.
const DefaultInterval = 5 * time.Second

// maxConsecutiveFailures bounds how many failed polls in a row the
// sampler tolerates before self-terminating.
const maxConsecutiveFailures = 3

// snapshotCommand asks the running server for a JSON object of the
// current tick plus every counter the sampler tracks. helpers.table_to_json
// is the stock Factorio helper for turning a Lua table into a string
// rcon.print can hand back over the wire.
const snapshotCommand = `/silent-command rcon.print(helpers.table_to_json({` +
	`tick=game.tick, ` +
	`players=#game.connected_players, ` +
	`ups=game.speed, ` +
	`ticks_played=game.ticks_played}))`

// Datapoint is one {tick, value} sample for a single metric name.
type Datapoint struct {
	Tick  int64   `json:"tick"`
	Value float64 `json:"value"`
}

// PublishFunc delivers one metric's datapoint. Implementations must
// not block; the sampler calls this once per metric per poll cycle.
type PublishFunc func(metric string, dp Datapoint)

// StalledFunc is invoked once, from the polling goroutine, when the
// sampler self-terminates after maxConsecutiveFailures.
type StalledFunc func(err error)

// Sampler polls the managed server's in-game counters over RCON at a
// fixed cadence and republishes each as a {tick,value} datapoint. Its
// lifetime is started and stopped by the supervisor's Running
// transitions, the same way internal/rcon.Session's connection
// lifetime is.
type Sampler struct {
	session  *rcon.Session
	interval time.Duration
	publish  PublishFunc
	onStall  StalledFunc

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(session *rcon.Session, interval time.Duration, publish PublishFunc, onStall StalledFunc) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{session: session, interval: interval, publish: publish, onStall: onStall}
}

// Start begins polling in the background. Calling Start while already
// running restarts the poll loop against a fresh context.
func (s *Sampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts polling. Safe to call when not running.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(); err != nil {
				failures++
				if failures >= maxConsecutiveFailures {
					if s.onStall != nil {
						s.onStall(agenterr.Wrap(agenterr.SamplerStalled, "three consecutive poll failures", err))
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Sampler) poll() error {
	resp, err := s.session.Command(snapshotCommand)
	if err != nil {
		return err
	}
	tick, metrics, err := parseSnapshot(resp)
	if err != nil {
		return err
	}
	for name, value := range metrics {
		s.publish(name, Datapoint{Tick: tick, Value: value})
	}
	return nil
}

// parseSnapshot decodes the JSON object snapshotCommand's rcon.print
// produces, splitting the tick field from the rest of the counters.
func parseSnapshot(resp string) (int64, map[string]float64, error) {
	var raw map[string]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp)), &raw); err != nil {
		return 0, nil, agenterr.Wrap(agenterr.RconProtocolError, "decode sampler snapshot", err)
	}
	tick, ok := raw["tick"]
	if !ok {
		return 0, nil, agenterr.New(agenterr.RconProtocolError, "sampler snapshot missing tick")
	}
	delete(raw, "tick")
	return int64(tick), raw, nil
}
