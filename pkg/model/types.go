package model

import "time"

// Candle represents a single daily OHLCV bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"` // quote-currency volume (volumeto)
}

// Pair identifies a crypto trading pair, e.g. ETH/USD
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// String returns the pair as BASE/QUOTE
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// ForecastPoint is the forecast for a single future day
type ForecastPoint struct {
	Date      time.Time `json:"date"`
	Price     float64   `json:"price"`     // point forecast (median quantile)
	Quantiles []float64 `json:"quantiles"` // one value per configured quantile
}

// Forecast is the complete output of a prediction run
type Forecast struct {
	Pair           Pair            `json:"pair"`
	LastKnownDate  time.Time       `json:"last_known_date"`
	LastKnownPrice float64         `json:"last_known_price"`
	Quantiles      []float64       `json:"quantiles"`
	Points         []ForecastPoint `json:"points"`
}
