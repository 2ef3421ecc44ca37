package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepulse/tradepulse/internal/bus"
	"github.com/tradepulse/tradepulse/internal/config"
	"github.com/tradepulse/tradepulse/internal/features"
)

type fakeFeatures struct {
	sets map[string]*features.FeatureSet
}

func (f *fakeFeatures) Features(symbol string) (*features.FeatureSet, error) {
	fs, ok := f.sets[symbol]
	if !ok {
		return nil, features.ErrUnknownSymbol
	}
	return fs, nil
}

func stubOnlyRegistry(t *testing.T, src FeatureSource) *Registry {
	t.Helper()

	cfg := config.ModelConfig{TimeoutMS: 500, Default: BaselineModel}
	r, err := NewRegistry(cfg, src, nil, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func remoteConfig(endpoint string, timeoutMS int) config.ModelConfig {
	return config.ModelConfig{
		Endpoint:  endpoint,
		TimeoutMS: timeoutMS,
		Default:   "gbdt-momentum",
		Models: []config.ModelRecord{{
			Name:           "gbdt-momentum",
			Version:        "2.1.0",
			Remote:         true,
			EntryThreshold: 0.60,
			ExitThreshold:  0.40,
			ECE:            0.03,
		}},
	}
}

func TestRegistryDefaultsToBaseline(t *testing.T) {
	r := stubOnlyRegistry(t, nil)

	active := r.Active()
	assert.Equal(t, BaselineModel, active.Name)
	assert.Equal(t, "v1", active.Version)
	assert.False(t, active.LoadedAt.IsZero())

	models := r.Models()
	require.Len(t, models, 1)
	assert.Equal(t, BaselineModel, models[0].Name)
}

func TestRegistryUnknownDefault(t *testing.T) {
	cfg := config.ModelConfig{TimeoutMS: 500, Default: "missing"}
	_, err := NewRegistry(cfg, nil, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestRegistryRemoteWithoutEndpoint(t *testing.T) {
	cfg := remoteConfig("", 500)
	_, err := NewRegistry(cfg, nil, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.endpoint")
}

func TestPredictBaseline(t *testing.T) {
	r := stubOnlyRegistry(t, nil)

	p, err := r.Predict(context.Background(), "btc-usdt", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, "1m0s", p.Horizon)
	assert.Equal(t, BaselineModel, p.ModelName)
	assert.False(t, p.IsFallback)
	assert.Empty(t, p.FallbackReason)
	assert.GreaterOrEqual(t, p.ProbUp, 0.5-stubAmplitude)
	assert.LessOrEqual(t, p.ProbUp, 0.5+stubAmplitude)
	assert.False(t, p.ComputedAt.IsZero())
	assert.GreaterOrEqual(t, p.LatencyMS, 0.0)
}

func TestPredictCancelledContext(t *testing.T) {
	r := stubOnlyRegistry(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Predict(ctx, "BTCUSDT", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPredictStaleFeaturesFallsBack(t *testing.T) {
	src := &fakeFeatures{sets: map[string]*features.FeatureSet{
		"BTCUSDT": {Symbol: "BTCUSDT", Staleness: 120, Stale: true},
	}}
	r := stubOnlyRegistry(t, src)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.True(t, p.IsFallback)
	assert.Equal(t, StubName, p.ModelName)
	assert.Equal(t, FallbackStaleFeatures, p.FallbackReason)
	assert.Equal(t, 120.0, p.StalenessSeconds)
}

func TestPredictUnknownSymbolFallsBack(t *testing.T) {
	src := &fakeFeatures{sets: map[string]*features.FeatureSet{}}
	r := stubOnlyRegistry(t, src)

	p, err := r.Predict(context.Background(), "DOGEUSDT", time.Minute)
	require.NoError(t, err)

	assert.True(t, p.IsFallback)
	assert.Equal(t, FallbackStaleFeatures, p.FallbackReason)
	assert.Equal(t, -1.0, p.StalenessSeconds)
}

func TestPredictFreshFeaturesServeActive(t *testing.T) {
	src := &fakeFeatures{sets: map[string]*features.FeatureSet{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 50000, Staleness: 2.5},
	}}
	r := stubOnlyRegistry(t, src)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.False(t, p.IsFallback)
	assert.Equal(t, BaselineModel, p.ModelName)
	assert.Equal(t, 2.5, p.StalenessSeconds)
}

func TestPredictRemoteSuccess(t *testing.T) {
	var (
		mu  sync.Mutex
		got inferenceRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			t.Errorf("decode inference request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"prob_up":0.8,"confidence":0.7,"model_version":"2.2.0"}`)
	}))
	defer srv.Close()

	src := &fakeFeatures{sets: map[string]*features.FeatureSet{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 50000, MA20: 49500, RSI14: 58, Staleness: 1.0},
	}}
	r, err := NewRegistry(remoteConfig(srv.URL, 500), src, nil, zerolog.Nop())
	require.NoError(t, err)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 0.8, p.ProbUp)
	assert.Equal(t, 0.7, p.Confidence)
	assert.Equal(t, "gbdt-momentum", p.ModelName)
	assert.Equal(t, "2.2.0", p.ModelVersion)
	assert.False(t, p.IsFallback)
	assert.Equal(t, 1.0, p.StalenessSeconds)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 60.0, got.HorizonSeconds)
	assert.Equal(t, "gbdt-momentum", got.Model)
	assert.Len(t, got.Features, 8)
}

func TestPredictRemoteTimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, `{"prob_up":0.9,"confidence":0.9}`)
	}))
	defer srv.Close()

	r, err := NewRegistry(remoteConfig(srv.URL, 50), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.True(t, p.IsFallback)
	assert.Equal(t, StubName, p.ModelName)
	assert.Equal(t, FallbackTimeout, p.FallbackReason)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestPredictRemoteErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r, err := NewRegistry(remoteConfig(srv.URL, 500), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.True(t, p.IsFallback)
	assert.Equal(t, FallbackError, p.FallbackReason)
}

func TestPredictRemoteBadProbabilityFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"prob_up":1.5,"confidence":0.7}`)
	}))
	defer srv.Close()

	r, err := NewRegistry(remoteConfig(srv.URL, 500), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)

	assert.True(t, p.IsFallback)
	assert.Equal(t, FallbackError, p.FallbackReason)
}

func TestPredictBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r, err := NewRegistry(remoteConfig(srv.URL, 500), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < breakerMinRequests; i++ {
		p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, FallbackError, p.FallbackReason, "call %d", i)
	}

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, FallbackBreakerOpen, p.FallbackReason)
	assert.Equal(t, int32(breakerMinRequests), hits.Load())
}

func TestSelectSwapsActiveModel(t *testing.T) {
	cfg := config.ModelConfig{
		TimeoutMS: 500,
		Default:   BaselineModel,
		Models: []config.ModelRecord{{
			Name:           "sine-aggressive",
			EntryThreshold: 0.52,
			ExitThreshold:  0.48,
		}},
	}
	r, err := NewRegistry(cfg, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	before := r.Active()
	require.NoError(t, r.Select("sine-aggressive"))

	active := r.Active()
	assert.Equal(t, "sine-aggressive", active.Name)
	assert.False(t, active.LoadedAt.Before(before.LoadedAt))

	// Re-selecting the active model is a no-op.
	require.NoError(t, r.Select("sine-aggressive"))
	assert.Equal(t, active.LoadedAt, r.Active().LoadedAt)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "sine-aggressive", p.ModelName)
	assert.False(t, p.IsFallback)
}

func TestSelectUnknownModel(t *testing.T) {
	r := stubOnlyRegistry(t, nil)
	require.ErrorIs(t, r.Select("missing"), ErrUnknownModel)
	assert.Equal(t, BaselineModel, r.Active().Name)
}

func TestSelectPublishesSwitchEvent(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	defer ns.Shutdown()

	events, err := bus.New(bus.Config{NATSURL: ns.ClientURL(), Prefix: "test."}, nil)
	require.NoError(t, err)
	defer func() { _ = events.Close() }()

	sub, err := events.Subscribe(bus.TopicEvents, 16)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	cfg := config.ModelConfig{
		TimeoutMS: 500,
		Default:   BaselineModel,
		Models: []config.ModelRecord{{
			Name:           "sine-aggressive",
			EntryThreshold: 0.52,
			ExitThreshold:  0.48,
		}},
	}
	r, err := NewRegistry(cfg, nil, events, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Select("sine-aggressive"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var ev bus.Event
	require.NoError(t, sub.Next(ctx, &ev))
	assert.Equal(t, bus.EventModelSwitched, ev.Type)
	assert.Equal(t, BaselineModel, ev.Fields["from"])
	assert.Equal(t, "sine-aggressive", ev.Fields["to"])
}

func TestIntentMapping(t *testing.T) {
	cfg := config.ModelConfig{
		TimeoutMS: 500,
		Default:   BaselineModel,
		Models: []config.ModelRecord{{
			Name:           "strict",
			EntryThreshold: 0.70,
			ExitThreshold:  0.30,
		}},
	}
	r, err := NewRegistry(cfg, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		name   string
		model  string
		probUp float64
		want   Intent
	}{
		{"entry boundary is a buy", BaselineModel, 0.55, IntentBuy},
		{"exit boundary is a sell", BaselineModel, 0.45, IntentSell},
		{"between thresholds holds", BaselineModel, 0.50, IntentHold},
		{"above entry buys", BaselineModel, 0.80, IntentBuy},
		{"below exit sells", BaselineModel, 0.10, IntentSell},
		{"strict model holds where baseline buys", "strict", 0.65, IntentHold},
		{"strict model buys past its entry", "strict", 0.70, IntentBuy},
		{"stub uses active calibration", StubName, 0.56, IntentBuy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Prediction{ModelName: tt.model, ProbUp: tt.probUp}
			assert.Equal(t, tt.want, r.Intent(p))
		})
	}
}

func TestCalibrationLookup(t *testing.T) {
	r := stubOnlyRegistry(t, nil)

	cal, err := r.Calibration(BaselineModel)
	require.NoError(t, err)
	assert.Equal(t, DefaultCalibration, cal)

	_, err = r.Calibration("missing")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestForceFallbackServesStubForNPredictions(t *testing.T) {
	r := stubOnlyRegistry(t, nil)
	r.ForceFallback(2)

	for i := 0; i < 2; i++ {
		p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
		require.NoError(t, err)
		assert.True(t, p.IsFallback, "prediction %d should be forced to the stub", i)
		assert.Equal(t, FallbackForced, p.FallbackReason)
		assert.Equal(t, StubName, p.ModelName)
	}

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.False(t, p.IsFallback, "forcing should expire after two predictions")
	assert.Equal(t, BaselineModel, p.ModelName)
}

func TestForceFallbackCleared(t *testing.T) {
	r := stubOnlyRegistry(t, nil)
	r.ForceFallback(5)
	r.ForceFallback(0)

	p, err := r.Predict(context.Background(), "BTCUSDT", time.Minute)
	require.NoError(t, err)
	assert.False(t, p.IsFallback)
}
