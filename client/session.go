package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Session is one connection to one server: REST plus a WebSocket event
// stream. Construct with New, then Connect. All methods are safe for
// concurrent use.
type Session struct {
	opts Options
	log  *zap.Logger
	rest *resty.Client

	mu             sync.Mutex
	state          ConnState
	cur            *wsConn
	everConnected  bool
	closed         bool
	abortReconnect chan struct{}
	subs           map[uint64]chan Event
	nextSub        uint64
	features       map[string]any

	wg sync.WaitGroup
}

// wsConn is one established connection epoch. done stops the ping loop and
// is closed exactly once, whether the drop came from the read loop or from
// Close.
type wsConn struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (w *wsConn) stop() {
	w.once.Do(func() { close(w.done) })
}

// New builds a session. The server is not contacted until Connect.
func New(opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		opts:  opts,
		log:   opts.Logger.Named("session").With(zap.String("server", opts.BaseURL)),
		rest:  newRESTClient(opts),
		state: StateConnecting,
		subs:  make(map[uint64]chan Event),
	}
	return s, nil
}

// ClientID returns the WebSocket client identifier.
func (s *Session) ClientID() string { return s.opts.ClientID }

// BaseURL returns the server's HTTP root.
func (s *Session) BaseURL() string { return s.opts.BaseURL }

// State returns the connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials the WebSocket. The first successful open emits a connected
// event; later opens emit reconnected. If the dial fails and auto-reconnect
// is enabled, the session keeps retrying in the background and Connect
// still returns the dial error.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	if s.cur != nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialWS(ctx)
	if err != nil {
		s.mu.Lock()
		if !s.closed && !s.opts.DisableAutoReconnect && s.abortReconnect == nil {
			s.state = StateReconnecting
			s.startReconnectLocked()
		} else if !s.closed {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", s.opts.BaseURL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session is closed")
	}
	first := s.installLocked(conn)
	s.mu.Unlock()

	if first {
		s.broadcast(Event{Kind: KindConnection, Conn: ConnConnected})
	} else {
		s.broadcast(Event{Kind: KindConnection, Conn: ConnReconnected})
	}
	go s.refreshFeatures()
	return nil
}

func (s *Session) dialWS(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"clientId": {s.opts.ClientID}}.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HTTPTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

// installLocked adopts an open connection and starts its loops. Caller
// holds s.mu. Reports whether this is the session's first connection.
func (s *Session) installLocked(conn *websocket.Conn) bool {
	w := &wsConn{conn: conn, done: make(chan struct{})}
	s.cur = w
	s.state = StateConnected
	first := !s.everConnected
	s.everConnected = true
	s.wg.Add(2)
	go s.readLoop(w)
	go s.pingLoop(w)
	return first
}

func (s *Session) readLoop(w *wsConn) {
	defer s.wg.Done()

	pongWait := 2*s.opts.PingInterval + 5*time.Second
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := w.conn.ReadMessage()
		if err != nil {
			s.onConnLost(w, err)
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev Event
		switch msgType {
		case websocket.TextMessage:
			ev, err = decodeMessage(data)
		case websocket.BinaryMessage:
			ev, err = decodeBinaryFrame(data)
		default:
			continue
		}
		if err != nil {
			s.log.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.broadcast(ev)
	}
}

func (s *Session) pingLoop(w *wsConn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := w.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug("keepalive ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Session) onConnLost(w *wsConn, cause error) {
	s.mu.Lock()
	if s.closed || s.cur != w {
		s.mu.Unlock()
		return
	}
	w.stop()
	w.conn.Close()
	s.cur = nil
	s.state = StateDisconnected
	reconnect := !s.opts.DisableAutoReconnect
	if reconnect {
		s.state = StateReconnecting
		s.startReconnectLocked()
	}
	s.mu.Unlock()

	s.log.Warn("connection lost",
		zap.Error(cause),
		zap.Bool("reconnecting", reconnect))
	s.broadcast(Event{Kind: KindConnection, Conn: ConnDisconnected, Err: cause})
}

// startReconnectLocked spawns one reconnection episode. Caller holds s.mu
// and has verified no episode is running.
func (s *Session) startReconnectLocked() {
	abort := make(chan struct{})
	s.abortReconnect = abort
	s.wg.Add(1)
	go s.reconnectLoop(abort)
}

func (s *Session) reconnectLoop(abort chan struct{}) {
	defer s.wg.Done()

	backoff := s.opts.ReconnectBackoff
	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		select {
		case <-abort:
			return
		case <-time.After(jitter(backoff)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.HTTPTimeout)
		conn, err := s.dialWS(ctx)
		cancel()
		if err != nil {
			s.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Duration("next_backoff", backoff),
				zap.Error(err))
			backoff = min(backoff*2, s.opts.MaxReconnectBackoff)
			continue
		}

		s.mu.Lock()
		if s.closed || s.cur != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.abortReconnect = nil
		s.installLocked(conn)
		s.mu.Unlock()

		s.log.Info("reconnected", zap.Int("attempt", attempt))
		s.broadcast(Event{Kind: KindConnection, Conn: ConnReconnected})
		go s.refreshFeatures()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.abortReconnect = nil
	s.state = StateFailed
	s.mu.Unlock()

	s.log.Error("reconnection attempts exhausted",
		zap.Int("attempts", s.opts.MaxReconnectAttempts))
	s.broadcast(Event{Kind: KindConnection, Conn: ConnReconnectionFailed})
}

// jitter spreads d by ±20% so pooled sessions do not reconnect in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

// AbortReconnect cancels any in-flight reconnection episode.
func (s *Session) AbortReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortReconnect != nil {
		close(s.abortReconnect)
		s.abortReconnect = nil
	}
	if s.state == StateReconnecting {
		s.state = StateDisconnected
	}
}

// Subscribe registers an event channel. Events are delivered best-effort:
// a subscriber whose buffer is full loses the event. The returned cancel
// is idempotent and closes the channel.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.opts.SubscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *Session) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("subscriber lagging, dropping event",
				zap.Uint64("subscriber", id),
				zap.Int("kind", int(ev.Kind)),
				zap.String("type", string(ev.Type)))
		}
	}
}

func (s *Session) refreshFeatures() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Features(ctx); err != nil {
		s.log.Debug("feature discovery failed", zap.Error(err))
	}
}

// Close tears the session down: stops reconnection, closes the socket, and
// closes every subscriber channel. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.abortReconnect != nil {
		close(s.abortReconnect)
		s.abortReconnect = nil
	}
	cur := s.cur
	s.cur = nil
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	if cur != nil {
		cur.stop()
		deadline := time.Now().Add(time.Second)
		cur.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		cur.conn.Close()
	}
	s.wg.Wait()
	return nil
}
