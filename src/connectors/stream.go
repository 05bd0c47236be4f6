package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradepilot/src/model"
)

const (
	streamDialTimeout    = 10 * time.Second
	streamPingInterval   = 15 * time.Second
	streamReadDeadline   = 45 * time.Second
	streamReconnectBase  = 1 * time.Second
	streamReconnectMax   = 30 * time.Second
	streamChannelBacklog = 256
)

// StreamClient consumes the exchange's public websocket feed and emits
// normalized StreamEvents. It reconnects with exponential backoff and
// resubscribes after every reconnect; the event channel stays open until
// the context is cancelled.
type StreamClient struct {
	exchange string
	wsURL    string
	dialer   *websocket.Dialer
}

func NewStreamClient(exchange, wsURL string) *StreamClient {
	return &StreamClient{
		exchange: exchange,
		wsURL:    wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: streamDialTimeout},
	}
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type wsTicker struct {
	Symbol string `json:"symbol"`
	Last   string `json:"lastRp"`
	TsNs   int64  `json:"timestamp"`
}

type wsKline struct {
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	Candles  [][]string `json:"kline"` // [openTs, open, high, low, close, volume, closed]
}

type wsBook struct {
	Symbol string      `json:"symbol"`
	Bids   [][2]string `json:"bids"`
	Asks   [][2]string `json:"asks"`
	TsNs   int64       `json:"timestamp"`
}

// Subscribe opens the feed for the given pairs on the given kline
// timeframe and returns the event channel. The channel is closed when ctx
// is cancelled; transient socket failures never close it, they surface as
// EventStatus events so consumers can track connection health.
func (s *StreamClient) Subscribe(ctx context.Context, pairs []string, timeframe string) (<-chan StreamEvent, error) {
	if len(pairs) == 0 {
		return nil, Permanent(CodeSymbolNotFound, "no pairs to subscribe", nil)
	}
	events := make(chan StreamEvent, streamChannelBacklog)
	go s.run(ctx, pairs, timeframe, events)
	return events, nil
}

func (s *StreamClient) run(ctx context.Context, pairs []string, timeframe string, events chan<- StreamEvent) {
	defer close(events)

	backoff := streamReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
		if err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{
				"exchange": s.exchange,
				"backoff":  backoff.String(),
			}).Warn("market stream dial failed")
			s.emitStatus(events, false)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := s.subscribeAll(conn, pairs, timeframe); err != nil {
			logger.WithError(err).WithField("exchange", s.exchange).Warn("market stream subscribe failed")
			conn.Close()
			s.emitStatus(events, false)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		logger.WithFields(map[string]interface{}{
			"exchange": s.exchange,
			"pairs":    len(pairs),
		}).Info("market stream connected")
		backoff = streamReconnectBase
		s.emitStatus(events, true)

		s.readLoop(ctx, conn, events)
		conn.Close()
		s.emitStatus(events, false)
	}
}

// emitStatus reports socket state on every dial attempt and read failure.
// During an outage the backoff loop keeps producing disconnected events, so
// a consumer timing the gap sees the outage as sustained rather than as a
// single observation.
func (s *StreamClient) emitStatus(events chan<- StreamEvent, connected bool) {
	select {
	case events <- StreamEvent{Type: EventStatus, Connected: connected, Received: time.Now()}:
	default:
	}
}

func (s *StreamClient) subscribeAll(conn *websocket.Conn, pairs []string, timeframe string) error {
	for _, pair := range pairs {
		symbol := NativeSymbol(pair)
		for _, topic := range []string{"tick", "kline." + timeframe, "orderbook"} {
			msg := map[string]interface{}{
				"method": "subscribe",
				"params": []string{topic + "." + symbol},
			}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("subscribe %s %s: %w", topic, symbol, err)
			}
		}
	}
	return nil
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- StreamEvent) {
	done := make(chan struct{})
	defer close(done)

	// keepalive pings; the exchange drops idle sockets
	go func() {
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).WithField("exchange", s.exchange).Warn("market stream read failed, reconnecting")
			}
			return
		}

		ev, ok := s.parse(raw)
		if !ok {
			continue
		}
		select {
		case events <- ev:
		default:
			// consumer is behind, drop the oldest semantics are not worth
			// blocking the socket; counters live in the cache layer
			logger.WithField("exchange", s.exchange).Debug("market stream event dropped, channel full")
		}
	}
}

func (s *StreamClient) parse(raw []byte) (StreamEvent, bool) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return StreamEvent{}, false
	}
	now := time.Now()

	switch {
	case strings.HasPrefix(env.Topic, "tick."):
		var t wsTicker
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return StreamEvent{}, false
		}
		price, err := decimal.NewFromString(t.Last)
		if err != nil {
			return StreamEvent{}, false
		}
		return StreamEvent{
			Type:     EventTicker,
			Pair:     NormalizePair(t.Symbol),
			Price:    price,
			Received: now,
		}, true

	case strings.HasPrefix(env.Topic, "kline."):
		var k wsKline
		if err := json.Unmarshal(env.Data, &k); err != nil || len(k.Candles) == 0 {
			return StreamEvent{}, false
		}
		bar, closed, ok := parseCandle(k.Candles[len(k.Candles)-1])
		if !ok {
			return StreamEvent{}, false
		}
		return StreamEvent{
			Type:      EventCandle,
			Pair:      NormalizePair(k.Symbol),
			Timeframe: k.Interval,
			Bar:       bar,
			BarClosed: closed,
			Received:  now,
		}, true

	case strings.HasPrefix(env.Topic, "orderbook."):
		var b wsBook
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return StreamEvent{}, false
		}
		snap := model.OrderBookSnapshot{
			Pair: NormalizePair(b.Symbol),
			Time: time.Unix(0, b.TsNs),
		}
		if b.TsNs == 0 {
			snap.Time = now
		}
		for _, lvl := range b.Bids {
			price, size, ok := parseLevel(lvl)
			if !ok {
				continue
			}
			snap.Bids = append(snap.Bids, model.BookLevel{Price: price, Size: size})
		}
		for _, lvl := range b.Asks {
			price, size, ok := parseLevel(lvl)
			if !ok {
				continue
			}
			snap.Asks = append(snap.Asks, model.BookLevel{Price: price, Size: size})
		}
		return StreamEvent{
			Type:     EventBook,
			Pair:     snap.Pair,
			Book:     snap,
			Received: now,
		}, true
	}
	return StreamEvent{}, false
}

func parseCandle(row []string) (model.Bar, bool, bool) {
	if len(row) < 7 {
		return model.Bar{}, false, false
	}
	var ts int64
	if _, err := fmt.Sscanf(row[0], "%d", &ts); err != nil {
		return model.Bar{}, false, false
	}
	open, err1 := decimal.NewFromString(row[1])
	high, err2 := decimal.NewFromString(row[2])
	low, err3 := decimal.NewFromString(row[3])
	cls, err4 := decimal.NewFromString(row[4])
	vol, err5 := decimal.NewFromString(row[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return model.Bar{}, false, false
	}
	return model.Bar{
		Time:   time.Unix(ts, 0).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  cls,
		Volume: vol,
	}, row[6] == "1", true
}

func parseLevel(lvl [2]string) (decimal.Decimal, decimal.Decimal, bool) {
	price, err := decimal.NewFromString(lvl[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	qty, err := decimal.NewFromString(lvl[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	return price, qty, true
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > streamReconnectMax {
		return streamReconnectMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
