// Package rate holds the open-rate arithmetic shared by the stats endpoints.
package rate

import (
	"math"
	"strconv"
)

// Percent is a ratio expressed in percent. It is kept at full precision and
// only rounded to two decimals when rendered as JSON.
type Percent float64

// Of returns num/den as a percentage, or 0 when den is not positive.
func Of(num, den int64) Percent {
	if den <= 0 || num <= 0 {
		return 0
	}
	return Percent(float64(num) / float64(den) * 100)
}

// Rounded returns the value rounded to two decimals.
func (p Percent) Rounded() float64 {
	v := float64(p)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

// MarshalJSON renders the percentage as a number with two decimals.
func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(p.Rounded(), 'f', 2, 64)), nil
}
