package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ethforecast/internal/ratelimit"
	"ethforecast/pkg/model"
)

// DefaultYahooURL is the Yahoo Finance chart API host (unofficial API)
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// YahooProvider fetches daily crypto bars from Yahoo Finance, e.g. ETH-USD
type YahooProvider struct {
	client    *resty.Client
	limiter   *ratelimit.Limiter
	rateLimit int
	now       func() time.Time
}

// YahooOptions configures the provider
type YahooOptions struct {
	BaseURL   string
	RateLimit int // requests per minute
	Timeout   time.Duration
}

// NewYahooProvider creates a new Yahoo Finance provider
func NewYahooProvider(opts YahooOptions) *YahooProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultYahooURL
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30 // Conservative rate limit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	return &YahooProvider{
		client:    client,
		limiter:   ratelimit.NewLimiter("yahoo", opts.RateLimit),
		rateLimit: opts.RateLimit,
		now:       time.Now,
	}
}

// Name returns the provider name
func (p *YahooProvider) Name() string {
	return "yahoo"
}

// RateLimit returns the rate limit per minute
func (p *YahooProvider) RateLimit() int {
	return p.rateLimit
}

// yahooResponse represents the Yahoo Finance chart response
type yahooResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// yahooSymbol maps ETH/USD to ETH-USD
func yahooSymbol(pair model.Pair) string {
	return strings.ToUpper(pair.Base) + "-" + strings.ToUpper(pair.Quote)
}

// GetDailyCandles fetches the last limit+1 daily bars, matching the
// CryptoCompare histoday convention. Volume is quoted in the quote currency.
func (p *YahooProvider) GetDailyCandles(ctx context.Context, pair model.Pair, limit int) ([]model.Candle, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	end := p.now().UTC()
	start := end.AddDate(0, 0, -(limit + 1))

	var data yahooResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("symbol", yahooSymbol(pair)).
		SetQueryParams(map[string]string{
			"period1":  fmt.Sprintf("%d", start.Unix()),
			"period2":  fmt.Sprintf("%d", end.Unix()),
			"interval": "1d",
		}).
		ForceContentType("application/json").
		SetResult(&data).
		SetError(&data).
		Get("/v8/finance/chart/{symbol}")
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: err, Retryable: true}
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		p.limiter.SignalRateLimited()
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("rate limited, retry after %s", p.limiter.Backoff()), Retryable: true}
	}

	if data.Chart.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("%s", data.Chart.Error.Description), Retryable: false}
	}

	if resp.IsError() {
		return nil, &ProviderError{Provider: p.Name(), Err: fmt.Errorf("status %d", resp.StatusCode()), Retryable: false}
	}

	p.limiter.ResetBackoff()

	if len(data.Chart.Result) == 0 || len(data.Chart.Result[0].Timestamp) == 0 ||
		len(data.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: ErrMissingData, Retryable: false}
	}

	result := data.Chart.Result[0]
	quotes := result.Indicators.Quote[0]

	candles := make([]model.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		// Skip bars with missing values (null decodes to 0)
		if i >= len(quotes.Open) || i >= len(quotes.High) || i >= len(quotes.Low) || i >= len(quotes.Close) {
			continue
		}
		if quotes.Close[i] == 0 {
			continue
		}

		var volume float64
		if i < len(quotes.Volume) {
			volume = quotes.Volume[i]
		}

		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		candles = append(candles, model.Candle{
			Time:   day,
			Open:   quotes.Open[i],
			High:   quotes.High[i],
			Low:    quotes.Low[i],
			Close:  quotes.Close[i],
			Volume: volume,
		})
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Time.Before(candles[j].Time)
	})

	// The live bar for today can share a day with the last close
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].Time.Equal(c.Time) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}

	if len(out) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Err: ErrMissingData, Retryable: false}
	}
	if len(out) > limit+1 {
		out = out[len(out)-(limit+1):]
	}
	return out, nil
}
