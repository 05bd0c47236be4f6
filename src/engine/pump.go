package engine

import (
	"context"

	logger "github.com/sirupsen/logrus"

	"tradepilot/src/connectors"
	"tradepilot/src/marketdata"
)

// marketStream is the slice of the stream client the pump consumes.
type marketStream interface {
	Subscribe(ctx context.Context, pairs []string, timeframe string) (<-chan connectors.StreamEvent, error)
}

// MarketPump owns the single market-data subscription for the process. It
// feeds the shared cache and fans scan kicks and connection health out to
// every attached instance, so N tenants never open N sockets for the same
// pairs.
type MarketPump struct {
	stream    marketStream
	cache     *marketdata.Cache
	pairs     []string
	timeframe string

	instances []*Instance
}

func NewMarketPump(stream marketStream, cache *marketdata.Cache, pairs []string, timeframe string) *MarketPump {
	return &MarketPump{
		stream:    stream,
		cache:     cache,
		pairs:     pairs,
		timeframe: timeframe,
	}
}

// Attach registers an instance for scan kicks and connection observations.
// Call before Run; the instance list is not guarded afterwards.
func (p *MarketPump) Attach(inst *Instance) {
	p.instances = append(p.instances, inst)
}

// Run consumes the feed until the context is cancelled. A failed subscribe
// is reported as a disconnect; instances keep scanning on their interval
// tickers.
func (p *MarketPump) Run(ctx context.Context) error {
	events, err := p.stream.Subscribe(ctx, p.pairs, p.timeframe)
	if err != nil {
		logger.WithError(err).Error("market stream unavailable, scanning falls back to the interval ticker")
		p.observeConnection(false)
		return err
	}

	logger.WithFields(map[string]interface{}{
		"component": "engine",
		"pairs":     len(p.pairs),
		"timeframe": p.timeframe,
		"tenants":   len(p.instances),
	}).Info("market pump started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				p.observeConnection(false)
				return nil
			}
			p.dispatch(ev)
		}
	}
}

func (p *MarketPump) dispatch(ev connectors.StreamEvent) {
	switch ev.Type {
	case connectors.EventStatus:
		p.observeConnection(ev.Connected)
		return
	case connectors.EventTicker:
		p.cache.UpdateTicker(ev.Pair, ev.Price)
	case connectors.EventCandle:
		if ev.BarClosed {
			p.cache.UpdateBar(ev.Pair, ev.Timeframe, ev.Bar)
			if ev.Timeframe == p.timeframe {
				p.enqueue(ev.Pair)
			}
		} else {
			p.cache.UpdateTicker(ev.Pair, ev.Bar.Close)
		}
	case connectors.EventBook:
		p.cache.UpdateBook(ev.Book)
	}
	// any data event implies a live socket
	p.observeConnection(true)
}

func (p *MarketPump) enqueue(pair string) {
	for _, inst := range p.instances {
		inst.enqueue(pair)
	}
}

func (p *MarketPump) observeConnection(connected bool) {
	for _, inst := range p.instances {
		inst.health.ObserveConnection(connected)
	}
}
