package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"rent-ledger-go/internal/metrics"
	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/retry"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"

// PriceSnapshotStore persists every successful rate fetch.
type PriceSnapshotStore interface {
	RecordPriceSnapshot(ctx context.Context, snapshot models.BitcoinPriceSnapshot) error
}

// PriceFeed serves the BTC/USD rate from a short-lived cache. When the cache
// is stale and the fetch fails there is no fallback to an older rate.
type PriceFeed struct {
	url       string
	client    *http.Client
	limiter   *rate.Limiter
	retry     retry.Policy
	ttl       time.Duration
	snapshots PriceSnapshotStore
	metrics   *metrics.Metrics
	now       func() time.Time

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

func NewPriceFeed(url string, ttl time.Duration, client *http.Client, snapshots PriceSnapshotStore, m *metrics.Metrics) *PriceFeed {
	if url == "" {
		url = DefaultPriceURL
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PriceFeed{
		url:       url,
		client:    client,
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		retry:     retry.DefaultPolicy(),
		ttl:       ttl,
		snapshots: snapshots,
		metrics:   m,
		now:       time.Now,
	}
}

// Rate returns the cached rate while it is fresh, otherwise fetches a new one.
func (p *PriceFeed) Rate(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached.IsPositive() && now.Sub(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}

	fetched, err := p.fetch(ctx)
	p.metrics.PriceFetch(err)
	if err != nil {
		zap.L().Warn("BTC/USD price fetch failed", zap.String("url", p.url), zap.Error(err))
		return decimal.Zero, fmt.Errorf("%w: %v", store.ErrPriceFeedUnavailable, err)
	}

	p.cached = fetched
	p.fetchedAt = now

	if p.snapshots != nil {
		snapshot := models.BitcoinPriceSnapshot{
			Id:        uuid.New().String(),
			Rate:      fetched,
			Source:    "coingecko",
			FetchedAt: now.UTC(),
		}
		if err := p.snapshots.RecordPriceSnapshot(ctx, snapshot); err != nil {
			zap.L().Error("Failed to record price snapshot", zap.String("rate", fetched.String()), zap.Error(err))
		}
	}

	zap.L().Debug("BTC/USD rate refreshed", zap.String("rate", fetched.String()))
	return fetched, nil
}

func (p *PriceFeed) fetch(ctx context.Context) (decimal.Decimal, error) {
	return retry.DoValue(ctx, p.retry, "price_feed", func() (decimal.Decimal, error) {
		return p.fetchOnce(ctx)
	})
}

func (p *PriceFeed) fetchOnce(ctx context.Context) (decimal.Decimal, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if retry.IsNetworkError(err) {
			return decimal.Zero, retry.Transient(err)
		}
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("price API returned %d", resp.StatusCode)
		if retry.RetryableStatus(resp.StatusCode) {
			return decimal.Zero, retry.Transient(err)
		}
		return decimal.Zero, err
	}

	var payload map[string]map[string]json.Number
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	raw, ok := payload["bitcoin"]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price response has no bitcoin/usd rate")
	}
	value, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q: %w", raw.String(), err)
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate %s", value.String())
	}
	return value, nil
}
