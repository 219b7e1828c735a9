// Package analysis computes reference bounds used to judge trained policies.
package analysis

import (
	"math"
	"sort"

	"battery-policy/internal/env"
)

// socLevels is the SOC discretization used by the oracle DP.
const socLevels = 32

// OracleBound summarizes a trajectory's price series and the minimum cost a
// perfect-foresight dispatcher could achieve on it. It is a benchmark, not a
// policy: the DP ignores clamp softness and sees the whole future.
type OracleBound struct {
	Steps int

	MinPrice  float64
	MaxPrice  float64
	MeanPrice float64
	P05Price  float64
	P95Price  float64

	// MinCost is the perfect-foresight cost lower bound. It is <= 0 whenever
	// the series has negative prices or usable solar.
	MinCost float64
}

// ComputeBound runs the oracle on one trajectory. price, pvPower and peak are
// per-timestep series; peak holds 0/1 indicators.
func ComputeBound(price, pvPower, peak []float64, params env.Params) OracleBound {
	b := OracleBound{Steps: len(price)}
	if len(price) == 0 {
		return b
	}

	sum := 0.0
	minv := math.Inf(1)
	maxv := math.Inf(-1)
	vals := make([]float64, 0, len(price))
	for _, v := range price {
		vals = append(vals, v)
		sum += v
		if v < minv {
			minv = v
		}
		if v > maxv {
			maxv = v
		}
	}
	sort.Float64s(vals)
	b.MinPrice = minv
	b.MaxPrice = maxv
	b.MeanPrice = sum / float64(len(vals))
	b.P05Price = percentileSorted(vals, 0.05)
	b.P95Price = percentileSorted(vals, 0.95)

	b.MinCost = oracleMinCost(price, pvPower, peak, params)
	return b
}

func percentileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	// Linear interpolation between order stats.
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// oracleMinCost is a DP over discretized SOC. Transitions respect the rate
// bounds; grid energy beyond what solar covers is bought at the (possibly
// peak-taxed) price, and discharging earns nothing, exactly like the
// simulator under hard clamping.
func oracleMinCost(price, pvPower, peak []float64, params env.Params) float64 {
	stepSOC := params.CapacityKWh / socLevels
	posInf := 1e100
	dp := make([]float64, socLevels+1)
	next := make([]float64, socLevels+1)
	for i := range dp {
		dp[i] = posInf
	}
	dp[socLevels/2] = 0 // start at half capacity

	for t := range price {
		for i := range next {
			next[i] = posInf
		}
		tariff := price[t]
		if peak[t] > 0 {
			tariff *= 1 + params.PeakTax
		}
		for from := 0; from <= socLevels; from++ {
			if dp[from] >= posInf/2 {
				continue
			}
			for to := 0; to <= socLevels; to++ {
				delta := float64(to-from) * stepSOC
				if delta > params.MaxChargeKW || delta < -params.MaxDischargeKW {
					continue
				}
				grid := math.Max(0, delta-pvPower[t])
				cost := dp[from] + grid*tariff
				if cost < next[to] {
					next[to] = cost
				}
			}
		}
		dp, next = next, dp
	}

	best := posInf
	for _, v := range dp {
		if v < best {
			best = v
		}
	}
	if best >= posInf/2 {
		return 0
	}
	return best
}
