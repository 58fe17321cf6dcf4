package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ethforecast/pkg/model"
)

// CachingProvider wraps a Provider with an on-disk cache for GetDailyCandles.
// Entries older than ttl are refetched.
type CachingProvider struct {
	inner Provider
	dir   string
	ttl   time.Duration
	mu    sync.Mutex
	now   func() time.Time
}

// NewCachingProvider creates a caching wrapper storing files under dir
func NewCachingProvider(inner Provider, dir string, ttl time.Duration) *CachingProvider {
	return &CachingProvider{
		inner: inner,
		dir:   dir,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (p *CachingProvider) Name() string { return p.inner.Name() }

type cacheEntry struct {
	FetchedAt time.Time      `json:"fetched_at"`
	Candles   []model.Candle `json:"candles"`
}

func (p *CachingProvider) path(pair model.Pair, limit int) string {
	name := fmt.Sprintf("%s_%s_%s_%d.json", p.inner.Name(), strings.ToLower(pair.Base), strings.ToLower(pair.Quote), limit)
	return filepath.Join(p.dir, name)
}

func (p *CachingProvider) GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.path(pair, limit)
	if data, err := os.ReadFile(path); err == nil {
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err == nil && p.now().Sub(entry.FetchedAt) < p.ttl && len(entry.Candles) > 0 {
			return entry.Candles, nil
		}
	}

	candles, err := p.inner.GetDailyCandles(ctx, pair, limit)
	if err != nil {
		return nil, err
	}

	if err := p.store(path, cacheEntry{FetchedAt: p.now(), Candles: candles}); err != nil {
		return nil, fmt.Errorf("writing candle cache: %w", err)
	}
	return candles, nil
}

func (p *CachingProvider) store(path string, entry cacheEntry) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
