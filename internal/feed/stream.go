package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/chainheat/internal/model"
)

// TickHandler receives normalized incremental updates.
type TickHandler interface {
	SubmitTick(upd model.IncrementalUpdate) error
}

// TickHandlerFunc is a function adapter for TickHandler.
type TickHandlerFunc func(model.IncrementalUpdate) error

func (f TickHandlerFunc) SubmitTick(u model.IncrementalUpdate) error { return f(u) }

// StreamConfig holds WebSocket stream settings.
type StreamConfig struct {
	URL    string
	APIKey string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	PingInterval       time.Duration
	ReadTimeout        time.Duration
}

// StreamStats contains stream counters for the diagnostic surface.
type StreamStats struct {
	Connected   bool
	Reconnects  int64
	Messages    int64
	ParseErrors int64
	Unknown     int64
}

// streamMsg mirrors one provider tick payload. Quotes and trade prints
// share a frame, discriminated by type.
type streamMsg struct {
	Type       string  `json:"type"` // "quote" or "trade"
	Underlying string  `json:"underlying"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	Right      string  `json:"right"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Mid        float64 `json:"mid"`
	Price      float64 `json:"price"` // Trade print price
	Size       int64   `json:"size"`
	TradeID    string  `json:"trade_id"`
	EventTS    int64   `json:"event_ts"`
}

// Stream maintains one WebSocket connection to the provider's tick feed,
// reconnecting with exponential backoff, and hands normalized updates to
// the tick handler. Out-of-order delivery is expected; ordering is
// resolved downstream by event time.
type Stream struct {
	cfg     StreamConfig
	symbols []string
	handler TickHandler
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	connected   atomic.Bool
	reconnects  atomic.Int64
	messages    atomic.Int64
	parseErrors atomic.Int64
	unknown     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream creates a tick stream for the given symbols.
func NewStream(cfg StreamConfig, symbols []string, handler TickHandler, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		cfg:     cfg,
		symbols: symbols,
		handler: handler,
		logger:  logger,
	}
}

// Start launches the connect/read loop.
func (s *Stream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("tick stream started",
		"url", s.cfg.URL,
		"symbols", len(s.symbols),
	)
	return nil
}

// Stop closes the connection and shuts down.
func (s *Stream) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("tick stream stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run reconnects forever with exponential backoff.
func (s *Stream) run() {
	defer s.wg.Done()

	delay := s.cfg.ReconnectBaseDelay
	for {
		if s.ctx.Err() != nil {
			return
		}

		if err := s.connectAndRead(); err != nil {
			s.logger.Warn("tick stream disconnected", "err", err)
		}
		s.connected.Store(false)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.ReconnectMaxDelay {
			delay = s.cfg.ReconnectMaxDelay
		}
		s.reconnects.Add(1)
	}
}

// connectAndRead dials, subscribes, and reads until the connection drops.
func (s *Stream) connectAndRead() error {
	header := http.Header{}
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.connected.Store(true)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	sub := map[string]any{
		"action":  "subscribe",
		"channel": "quotes",
		"symbols": s.symbols,
	}
	if err := conn.WriteJSON(sub); err != nil {
		s.closeConn()
		return err
	}
	s.logger.Debug("tick stream subscribed", "symbols", s.symbols)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			s.closeConn()
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.closeConn()
			return err
		}
		s.messages.Add(1)
		s.dispatch(data)
	}
}

// pingLoop keeps the connection alive until it closes.
func (s *Stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// dispatch parses one frame and hands it to the tick handler.
func (s *Stream) dispatch(data []byte) {
	var msg streamMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.parseErrors.Add(1)
		return
	}

	right := model.Right(msg.Right)
	if !right.Valid() {
		s.unknown.Add(1)
		return
	}
	id := model.MakeContractID(msg.Underlying, msg.Expiry, model.PriceFromDollars(msg.Strike), right)

	upd := model.IncrementalUpdate{
		ContractID: id,
		EventTS:    msg.EventTS,
	}
	switch msg.Type {
	case "quote":
		upd.Bid = model.PriceFromDollars(msg.Bid)
		upd.Ask = model.PriceFromDollars(msg.Ask)
		upd.Mid = model.PriceFromDollars(msg.Mid)
	case "trade":
		upd.LastTrade = model.PriceFromDollars(msg.Price)
		upd.Size = msg.Size
		if tid, err := uuid.Parse(msg.TradeID); err == nil {
			upd.TradeID = tid
		}
	default:
		s.unknown.Add(1)
		return
	}

	if s.handler != nil {
		_ = s.handler.SubmitTick(upd)
	}
}

func (s *Stream) closeConn() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Stats returns stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Connected:   s.connected.Load(),
		Reconnects:  s.reconnects.Load(),
		Messages:    s.messages.Load(),
		ParseErrors: s.parseErrors.Load(),
		Unknown:     s.unknown.Load(),
	}
}
