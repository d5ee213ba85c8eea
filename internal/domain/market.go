package domain

import (
	"strconv"
	"time"
)

// MarketContext is the per-cycle snapshot of the underlying and its
// positioning levels.
type MarketContext struct {
	Symbol    string    `json:"symbol"`
	Spot      float64   `json:"spot"`
	VolIndex  float64   `json:"vol_index"`
	CallWall  float64   `json:"call_wall"`
	PutWall   float64   `json:"put_wall"`
	FlipPoint float64   `json:"flip_point"`
	NetGamma  float64   `json:"net_gamma"`
	Regime    string    `json:"regime"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// Age is how old the snapshot is at now.
func (m MarketContext) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// Candle is one daily OHLC bar.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// CivilDate truncates t to midnight UTC of its calendar date in t's own
// location. Expirations and session days are compared as civil dates.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func formatStrike(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
