package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"ethforecast/internal/ratelimit"
	"ethforecast/pkg/model"
)

// DefaultCryptoCompareURL is the public CryptoCompare API host
const DefaultCryptoCompareURL = "https://min-api.cryptocompare.com"

const histodayPath = "/data/v2/histoday"

// ErrMissingData is returned when the response body has no Data.Data array
var ErrMissingData = errors.New("response lacks Data.Data")

// CryptoCompareProvider fetches daily bars from the CryptoCompare histoday endpoint
type CryptoCompareProvider struct {
	client    *resty.Client
	limiter   *ratelimit.Limiter
	rateLimit int
}

// CryptoCompareOptions configures the provider
type CryptoCompareOptions struct {
	BaseURL   string
	APIKey    string
	RateLimit int // requests per minute
	Timeout   time.Duration
}

// NewCryptoCompareProvider creates a new CryptoCompare provider
func NewCryptoCompareProvider(opts CryptoCompareOptions) *CryptoCompareProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultCryptoCompareURL
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetHeader("Authorization", "Apikey "+opts.APIKey)
	}

	return &CryptoCompareProvider{
		client:    client,
		limiter:   ratelimit.NewLimiter("cryptocompare", opts.RateLimit),
		rateLimit: opts.RateLimit,
	}
}

// Name returns the provider name
func (p *CryptoCompareProvider) Name() string {
	return "cryptocompare"
}

// RateLimit returns the rate limit per minute
func (p *CryptoCompareProvider) RateLimit() int {
	return p.rateLimit
}

type histodayBar struct {
	Time       int64   `json:"time"`
	Close      float64 `json:"close"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	VolumeFrom float64 `json:"volumefrom"`
	VolumeTo   float64 `json:"volumeto"`
}

// histodayResponse represents the CryptoCompare v2 histoday response
type histodayResponse struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     *struct {
		Aggregated bool          `json:"Aggregated"`
		TimeFrom   int64         `json:"TimeFrom"`
		TimeTo     int64         `json:"TimeTo"`
		Data       []histodayBar `json:"Data"`
	} `json:"Data"`
}

// GetDailyCandles fetches daily candles with a single request. There is no
// retry: any failure is returned to the caller.
func (p *CryptoCompareProvider) GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var data histodayResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"fsym":  pair.Base,
			"tsym":  pair.Quote,
			"limit": strconv.Itoa(limit),
		}).
		ForceContentType("application/json").
		SetResult(&data).
		Get(histodayPath)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err, Retryable: true}
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		p.limiter.SignalRateLimited()
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("rate limited, retry after %s", p.limiter.Backoff()), Retryable: true}
	}

	if resp.IsError() {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("status %d", resp.StatusCode()), Retryable: false}
	}

	p.limiter.ResetBackoff()

	if data.Response == "Error" {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("%s", data.Message), Retryable: false}
	}

	if data.Data == nil || data.Data.Data == nil {
		return nil, &ProviderError{Provider: p.Name(), Err: ErrMissingData, Retryable: false}
	}

	candles := make([]model.Candle, 0, len(data.Data.Data))
	for _, bar := range data.Data.Data {
		candles = append(candles, model.Candle{
			Time:   time.Unix(bar.Time, 0).UTC(),
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.VolumeTo,
		})
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Time.Before(candles[j].Time)
	})

	return candles, nil
}
