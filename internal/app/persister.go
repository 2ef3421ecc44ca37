package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/market"
	"github.com/tradepulse/tradepulse/internal/metrics"
	"github.com/tradepulse/tradepulse/internal/tickstore"
)

// persisterGroup names the consumer group. The store's idempotent
// insert covers redeliveries; the group covers horizontal scale.
const persisterGroup = "signal-persister"

const persistTimeout = 5 * time.Second

// SignalStore persists signals. *tickstore.Store satisfies it.
type SignalStore interface {
	InsertSignal(ctx context.Context, sig *tickstore.SignalRecord) error
}

// signalPersister copies every published signal into the store with
// its feature snapshot, so similarity search sees all of history.
type signalPersister struct {
	bus   *bus.Bus
	store SignalStore
	log   zerolog.Logger
}

func newSignalPersister(b *bus.Bus, store SignalStore, logger zerolog.Logger) *signalPersister {
	return &signalPersister{
		bus:   b,
		store: store,
		log:   logger.With().Str("component", "signal_persister").Logger(),
	}
}

// Run consumes the signals topic until ctx ends. A write failure drops
// that one signal and keeps consuming; blocking here would lag the
// subscription into eviction.
func (p *signalPersister) Run(ctx context.Context) error {
	sub, err := p.bus.SubscribeGroup(bus.TopicSignals, persisterGroup, bus.DefaultSubscriberBuffer)
	if err != nil {
		return fmt.Errorf("subscribe signals: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	p.log.Info().Str("group", persisterGroup).Msg("Signal persister running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sub.C():
			if !ok {
				return errors.New("signal subscription closed")
			}
			var sig market.Signal
			if err := json.Unmarshal(data, &sig); err != nil {
				p.log.Warn().Err(err).Msg("Dropped undecodable signal")
				continue
			}
			p.persist(&sig)
		}
	}
}

// persist writes under its own deadline so an in-flight signal still
// lands during shutdown.
func (p *signalPersister) persist(sig *market.Signal) {
	wctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.store.InsertSignal(wctx, recordFromSignal(sig)); err != nil {
		p.log.Error().Err(err).
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Msg("Signal write failed")
		metrics.RecordError("signal_persist", "app")
	}
}

// recordFromSignal maps the wire shape onto the persisted one.
func recordFromSignal(sig *market.Signal) *tickstore.SignalRecord {
	return &tickstore.SignalRecord{
		ID:             sig.ID,
		Symbol:         sig.Symbol,
		Side:           string(sig.Side),
		Confidence:     sig.Confidence,
		NotionalUSD:    sig.NotionalUSD,
		SourceStrategy: sig.SourceStrategy,
		ModelName:      sig.ModelName,
		IsFallback:     sig.IsFallback,
		Features:       sig.Features,
		CreatedAt:      sig.CreatedAt,
	}
}
