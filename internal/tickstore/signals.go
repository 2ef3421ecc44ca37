package tickstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// FeatureDim is the dimensionality of the persisted feature snapshot:
// [ret_1, ret_5, ret_10, ma_20 gap, rsi_14, volatility, z_score_60, atr_14].
const FeatureDim = 8

// SignalRecord is the persisted form of a strategy signal, with the
// feature snapshot it was generated from. The snapshot doubles as an
// embedding for similarity search over past market states.
type SignalRecord struct {
	ID             string
	Symbol         string
	Side           string
	Confidence     float64
	NotionalUSD    float64
	SourceStrategy string
	ModelName      string
	IsFallback     bool
	Features       []float32
	CreatedAt      time.Time
}

// InsertSignal persists a signal. Duplicate ULIDs are skipped so the
// bus's at-least-once persister can replay safely.
func (s *Store) InsertSignal(ctx context.Context, sig *SignalRecord) error {
	var embedding pgvector.Vector
	if sig.Features != nil {
		if len(sig.Features) != FeatureDim {
			return fmt.Errorf("feature snapshot must be %d-dimensional, got %d", FeatureDim, len(sig.Features))
		}
		embedding = pgvector.NewVector(sig.Features)
	}

	query := `
		INSERT INTO signals (
			id, symbol, side, confidence, notional_usd,
			source_strategy, model_name, is_fallback, features, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		sig.ID,
		sig.Symbol,
		sig.Side,
		sig.Confidence,
		sig.NotionalUSD,
		sig.SourceStrategy,
		sig.ModelName,
		sig.IsFallback,
		embedding,
		sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}

	s.logger.Debug().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Float64("confidence", sig.Confidence).
		Msg("Signal persisted")

	return nil
}

// RecentSignals returns the newest signals, optionally filtered by
// symbol (empty means all symbols).
func (s *Store) RecentSignals(ctx context.Context, symbol string, limit int) ([]*SignalRecord, error) {
	query := `
		SELECT id, symbol, side, confidence, notional_usd,
		       source_strategy, model_name, is_fallback, created_at
		FROM signals
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	var signals []*SignalRecord
	for rows.Next() {
		var sig SignalRecord
		if err := rows.Scan(
			&sig.ID,
			&sig.Symbol,
			&sig.Side,
			&sig.Confidence,
			&sig.NotionalUSD,
			&sig.SourceStrategy,
			&sig.ModelName,
			&sig.IsFallback,
			&sig.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return signals, nil
}

// SimilarSignal pairs a past signal with its cosine distance from the
// query features.
type SimilarSignal struct {
	SignalRecord
	Distance float64
}

// SimilarSignals finds past signals whose feature snapshot is closest
// to the given features, nearest first.
func (s *Store) SimilarSignals(ctx context.Context, features []float32, limit int) ([]*SimilarSignal, error) {
	if len(features) != FeatureDim {
		return nil, fmt.Errorf("feature snapshot must be %d-dimensional, got %d", FeatureDim, len(features))
	}

	vec := pgvector.NewVector(features)

	query := `
		SELECT id, symbol, side, confidence, notional_usd,
		       source_strategy, model_name, is_fallback, created_at,
		       features <=> $1 AS distance
		FROM signals
		WHERE features IS NOT NULL
		ORDER BY features <=> $1
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar signals: %w", err)
	}
	defer rows.Close()

	var signals []*SimilarSignal
	for rows.Next() {
		var sig SimilarSignal
		if err := rows.Scan(
			&sig.ID,
			&sig.Symbol,
			&sig.Side,
			&sig.Confidence,
			&sig.NotionalUSD,
			&sig.SourceStrategy,
			&sig.ModelName,
			&sig.IsFallback,
			&sig.CreatedAt,
			&sig.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similar signal: %w", err)
		}
		signals = append(signals, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similar signals: %w", err)
	}

	return signals, nil
}
