package rcon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
)

// CommandTimeout bounds a single Exec round trip.
const CommandTimeout = 10 * time.Second

// Session couples an RCON connection's lifetime to the supervisor's
// Running state: Connect dials once and, on unexpected disconnect,
// retries with exponential backoff until Disconnect is called.
type Session struct {
	host, password string
	port           int
	dialTimeout    time.Duration

	mu          sync.Mutex
	client      *Client
	broken      chan struct{}
	cancel      context.CancelFunc
	onReconnect func(outcome string)
}

// OnReconnect registers a callback invoked with "connected" each time
// the reconnect loop establishes a new connection. Implementations
// must not block; this exists so a caller (the Agent) can feed a
// Prometheus counter without this package depending on telemetry.
func (s *Session) OnReconnect(f func(outcome string)) {
	s.mu.Lock()
	s.onReconnect = f
	s.mu.Unlock()
}

func NewSession(host string, port int, password string, dialTimeout time.Duration) *Session {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Session{host: host, port: port, password: password, dialTimeout: dialTimeout}
}

func (s *Session) addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// Connect dials in the background and, on unexpected disconnect,
// keeps retrying with exponential backoff until Disconnect is called.
// Call this on the supervisor's Starting->Running transition.
func (s *Session) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go s.reconnectLoop(ctx)
}

// Disconnect tears down the connection and stops reconnecting. Call
// this on any supervisor transition out of Running.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		_ = client.Close()
	}
}

func (s *Session) reconnectLoop(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely; only ctx cancellation stops us

	for ctx.Err() == nil {
		var client *Client
		err := backoff.Retry(func() error {
			c, dialErr := Dial(s.addr(), s.password, s.dialTimeout)
			if dialErr != nil {
				return dialErr
			}
			client = c
			return nil
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return // context cancelled before a dial succeeded
		}

		broken := make(chan struct{})
		s.mu.Lock()
		s.client = client
		s.broken = broken
		hook := s.onReconnect
		s.mu.Unlock()
		b.Reset()
		if hook != nil {
			hook("connected")
		}

		select {
		case <-ctx.Done():
			_ = client.Close()
			return
		case <-broken:
			_ = client.Close()
		}
	}
}

// Command runs cmd against the current connection, failing fast with
// RconNotConnected if there is none. A connection-level failure (as
// opposed to a command-level timeout or protocol rejection) marks the
// session broken so the reconnect loop redials.
func (s *Session) Command(cmd string) (string, error) {
	s.mu.Lock()
	client, broken := s.client, s.broken
	s.mu.Unlock()
	if client == nil {
		return "", agenterr.New(agenterr.RconNotConnected, s.addr())
	}

	resp, err := client.Exec(cmd, CommandTimeout)
	if err != nil && agenterr.Is(err, agenterr.RconProtocolError) {
		s.mu.Lock()
		if s.client == client {
			s.client = nil
		}
		s.mu.Unlock()
		select {
		case <-broken:
		default:
			close(broken)
		}
	}
	return resp, err
}

// Connected reports whether a live connection is currently held.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}
