package market

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

func init() {
	logger.UseNop()
}

var quoteTime = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func btcQuote(price float64) Quote {
	return Quote{
		Symbol:            "BTC",
		Price:             price,
		ImpliedVolatility: 0.55,
		Trend:             models.TrendBullish,
		VolatilityRegime:  models.VolatilityHigh,
		At:                quoteTime,
	}
}

func TestStaticProvider(t *testing.T) {
	ctx := context.Background()
	p := NewStaticProvider(btcQuote(100))

	q, err := p.Quote(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.Price)

	_, err = p.Quote(ctx, "ETH")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDataUnavailable))
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.Error(t, p.Set(Quote{Symbol: "ETH"}))
	require.Error(t, p.Set(Quote{Price: 1}))
	require.Error(t, p.Set(Quote{Symbol: "ETH", Price: math.Inf(1)}))
	require.Error(t, p.Set(Quote{Symbol: "ETH", Price: math.NaN()}))
	_, err = p.Quote(ctx, "ETH")
	require.Error(t, err)
	require.NoError(t, p.Set(Quote{Symbol: "ETH", Price: 3000}))
	q, err = p.Quote(ctx, "ETH")
	require.NoError(t, err)
	assert.False(t, q.At.IsZero())

	p.Remove("ETH")
	_, err = p.Quote(ctx, "ETH")
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Quote(cancelled, "BTC")
	assert.True(t, errors.IsType(err, errors.ErrorTypeDataUnavailable))
}

func TestCachedProvider_ServesLastKnownQuote(t *testing.T) {
	ctx := context.Background()
	upstream := NewStaticProvider(btcQuote(100))
	p := NewCachedProvider(upstream, NewMemoryCache())

	q, err := p.Quote(ctx, "BTC")
	require.NoError(t, err)
	assert.False(t, q.Stale)

	upstream.Remove("BTC")

	q, err = p.Quote(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.Equal(t, 100.0, q.Price)

	_, err = p.Quote(ctx, "SOL")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeDataUnavailable))
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	cache := NewRedisCacheWithClient(db, "are:quote:", time.Hour)

	q := btcQuote(101.5)
	data, err := json.Marshal(q)
	require.NoError(t, err)

	t.Run("put", func(t *testing.T) {
		mock.ExpectSet("are:quote:BTC", string(data), time.Hour).SetVal("OK")
		require.NoError(t, cache.Put(ctx, q))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("are:quote:BTC").SetVal(string(data))
		got, ok, err := cache.Get(ctx, "BTC")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 101.5, got.Price)
		assert.Equal(t, models.TrendBullish, got.Trend)
		assert.True(t, got.At.Equal(quoteTime))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet("are:quote:ETH").RedisNil()
		_, ok, err := cache.Get(ctx, "ETH")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error", func(t *testing.T) {
		mock.ExpectGet("are:quote:ETH").SetErr(redis.TxFailedErr)
		_, _, err := cache.Get(ctx, "ETH")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCachedProvider_WithRedis(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	p := NewCachedProvider(NewStaticProvider(), NewRedisCacheWithClient(db, "", 0))

	q := btcQuote(99)
	data, err := json.Marshal(q)
	require.NoError(t, err)
	mock.ExpectGet("quote:BTC").SetVal(string(data))

	got, err := p.Quote(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, 99.0, got.Price)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_OneObservationPerInterval(t *testing.T) {
	h := NewHistory(10, time.Hour)
	assert.Equal(t, time.Hour, h.SampleInterval())

	for i := 0; i < 90; i++ {
		h.Record("BTC", 100+float64(i), quoteTime.Add(time.Duration(i)*time.Minute))
	}
	// minutes 0-59 collapse into one observation holding the latest price
	assert.Equal(t, []float64{159, 189}, h.Prices("BTC"))
	assert.Nil(t, h.Prices("ETH"))
}

func TestNewStaticProvider_SkipsUnusableQuotes(t *testing.T) {
	p := NewStaticProvider(
		Quote{Symbol: "btc", Price: math.Inf(1)},
		Quote{Symbol: "eth", Price: 0},
		Quote{Symbol: "", Price: 5},
		Quote{Symbol: " sol ", Price: 150},
	)

	for _, sym := range []string{"BTC", "ETH"} {
		_, err := p.Quote(context.Background(), sym)
		assert.True(t, errors.Is(err, errors.ErrNotFound), sym)
	}
	q, err := p.Quote(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, q.Price)
}

func TestRealizedVolatility(t *testing.T) {
	assert.Equal(t, 0.0, RealizedVolatility(nil, 0))
	assert.Equal(t, 0.0, RealizedVolatility([]float64{100, 101}, 0))

	flat := []float64{100, 100, 100, 100}
	assert.Equal(t, 0.0, RealizedVolatility(flat, 0))

	// alternating +1%/-1% moves
	prices := []float64{100}
	for i := 0; i < 30; i++ {
		last := prices[len(prices)-1]
		if i%2 == 0 {
			prices = append(prices, last*1.01)
		} else {
			prices = append(prices, last/1.01)
		}
	}
	v := RealizedVolatility(prices, 0)
	assert.InDelta(t, math.Log(1.01)*math.Sqrt(365), v, 0.01)

	hourly := RealizedVolatility(prices, time.Hour)
	assert.InDelta(t, v*math.Sqrt(24), hourly, 1e-9)
}

func TestHistory_VolatilityFor(t *testing.T) {
	h := NewHistory(20, time.Hour)

	q := btcQuote(100)
	assert.Equal(t, 0.55, h.VolatilityFor(q))

	q.ImpliedVolatility = 0
	assert.Equal(t, 0.60, h.VolatilityFor(q))
	q.VolatilityRegime = models.VolatilityNormal
	assert.Equal(t, 0.30, h.VolatilityFor(q))

	price := 100.0
	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			price *= 1.02
		} else {
			price /= 1.02
		}
		h.Record("BTC", price, quoteTime.Add(time.Duration(i)*time.Hour))
	}
	assert.Len(t, h.Prices("BTC"), 20)
	assert.Greater(t, h.VolatilityFor(q), 0.30)

	h.Record("BTC", math.NaN(), quoteTime.Add(100*time.Hour))
	h.Record("BTC", -1, quoteTime.Add(101*time.Hour))
	assert.Len(t, h.Prices("BTC"), 20)

	var none *History
	assert.Equal(t, 0.30, none.VolatilityFor(q))
}
