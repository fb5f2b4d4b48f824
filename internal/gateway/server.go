package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justapithecus/factorio-agent/internal/supervisor"
	"github.com/justapithecus/factorio-agent/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	peerSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Peer is one connected websocket client. Reads happen on readPump;
// all writes go through send so writePump is the sole writer, since
// gorilla/websocket connections aren't safe for concurrent writers.
type Peer struct {
	id   string
	conn *websocket.Conn
	send chan Envelope

	mu       sync.Mutex
	logSub   *supervisor.Subscription
	category supervisor.Category
	closed   bool
}

// Send enqueues env for delivery to the peer. It never blocks the
// caller for long: a full send buffer drops the frame rather than
// stalling the operation goroutine that produced it.
func (p *Peer) Send(env Envelope) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.send <- env:
	default:
		slog.Warn("gateway: dropping frame to slow peer", "peer", p.id, "op", env.Op)
	}
}

func (p *Peer) attachLogSubscription(sub *supervisor.Subscription, category string) {
	p.mu.Lock()
	old := p.logSub
	p.logSub = sub
	p.category = supervisor.Category(category)
	p.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	go p.pumpLog(sub)
}

func (p *Peer) pumpLog(sub *supervisor.Subscription) {
	for {
		select {
		case line, ok := <-sub.Lines:
			if !ok {
				return
			}
			p.mu.Lock()
			want := p.category
			same := p.logSub == sub
			p.mu.Unlock()
			if !same {
				return
			}
			if want != "" && line.Category != want {
				continue
			}
			p.Send(eventEnvelope("", line))
		case _, ok := <-sub.Lagged:
			if !ok {
				return
			}
			p.mu.Lock()
			category := p.category
			p.mu.Unlock()
			slog.Warn("gateway: log subscriber lagged, some lines dropped", "peer", p.id)
			telemetry.IncSubscriberLagged(string(category))
		}
	}
}

func (p *Peer) teardown(stager *UploadStager) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sub := p.logSub
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	close(p.send)
	stager.PeerDisconnected(p.id)
}

// HandleWebSocket upgrades the connection and drives its read/write
// pumps, routing every request frame through dispatcher.
func HandleWebSocket(dispatcher *Dispatcher, nextPeerID func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("gateway: websocket upgrade failed", "err", err)
			return
		}

		peer := &Peer{
			id:   nextPeerID(),
			conn: conn,
			send: make(chan Envelope, peerSendBuffer),
		}
		slog.Info("gateway: peer connected", "peer", peer.id)
		if dispatcher.Peers != nil {
			dispatcher.Peers.register(peer)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			writePump(peer)
		}()

		readPump(ctx, dispatcher, peer)

		if dispatcher.Peers != nil {
			dispatcher.Peers.unregister(peer.id)
		}
		peer.teardown(dispatcher.Stager)
		_ = conn.Close()
		wg.Wait()
		slog.Info("gateway: peer disconnected", "peer", peer.id)
	}
}

func readPump(ctx context.Context, dispatcher *Dispatcher, peer *Peer) {
	peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: websocket read error", "peer", peer.id, "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			peer.Send(responseEnvelope("", ErrorResponse{Kind: "BadRequest", Detail: "malformed envelope"}))
			continue
		}
		dispatcher.Dispatch(ctx, peer, env)
	}
}

func writePump(peer *Peer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-peer.send:
			peer.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = peer.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := peer.conn.WriteJSON(env); err != nil {
				slog.Warn("gateway: websocket write error", "peer", peer.id, "err", err)
				return
			}
		case <-ticker.C:
			peer.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := peer.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
