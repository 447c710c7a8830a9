package position

import "math"

// Leg is one side of a hedged position. Size is signed in base units:
// positive long, negative short.
type Leg struct {
	Pair      string
	Size      float64
	AvgPrice  float64
	MarkPrice float64
}

func (l Leg) Notional() float64 {
	return math.Abs(l.Size) * l.MarkPrice
}

func (l Leg) UnrealizedPnl() float64 {
	return l.Size * (l.MarkPrice - l.AvgPrice)
}

// PerpLeg extends Leg with margin and funding state specific to the
// perpetual side.
type PerpLeg struct {
	Leg
	Leverage         float64
	LiquidationPrice float64
	MarginUsed       float64
	FundingCollected float64
}

func (p PerpLeg) MarginRatio() float64 {
	notional := p.Notional()
	if notional == 0 || p.MarginUsed == 0 {
		return 1
	}
	return p.MarginUsed / notional
}

// NearLiquidation reports whether the mark price is within bufferPct of the
// liquidation price on the unsafe side: price rising toward it for a short
// leg, falling toward it for a long leg.
func (p PerpLeg) NearLiquidation(bufferPct float64) bool {
	if p.LiquidationPrice <= 0 || p.MarkPrice <= 0 {
		return false
	}
	var pctAway float64
	if p.Size < 0 {
		pctAway = (p.LiquidationPrice - p.MarkPrice) / p.MarkPrice
	} else {
		pctAway = (p.MarkPrice - p.LiquidationPrice) / p.MarkPrice
	}
	return pctAway > 0 && pctAway < bufferPct
}

// PairState is the combined hedge state for one pair: a spot-equivalent leg
// and a perpetual leg. When Active is false both legs' sizes are zero.
type PairState struct {
	Pair         string
	Spot         Leg
	Perp         PerpLeg
	Active       bool
	EntryCapital float64
	RealizedPnl  float64

	// ReconcileRequired marks a position that was flattened locally while
	// one closing leg failed on the exchange. Cleared on the next entry.
	ReconcileRequired bool
}

// NetDelta is the sum of both legs' signed sizes. Target: ~0.
func (s PairState) NetDelta() float64 {
	return s.Spot.Size + s.Perp.Size
}

// DeltaRatio is the net delta as a fraction of the spot leg size.
func (s PairState) DeltaRatio() float64 {
	if s.Spot.Size == 0 {
		return 0
	}
	return s.NetDelta() / s.Spot.Size
}

func (s PairState) GrossExposure() float64 {
	return s.Spot.Notional() + s.Perp.Notional()
}

func (s PairState) UnrealizedPnl() float64 {
	return s.Spot.UnrealizedPnl() + s.Perp.UnrealizedPnl()
}

func (s PairState) TotalPnl() float64 {
	return s.RealizedPnl + s.UnrealizedPnl() + s.Perp.FundingCollected
}

func (s PairState) ROIPct() float64 {
	if s.EntryCapital == 0 {
		return 0
	}
	return s.TotalPnl() / s.EntryCapital * 100
}

func (s PairState) NeedsRebalance(threshold float64) bool {
	return math.Abs(s.DeltaRatio()) > threshold
}

// Summary is the read-side view of a pair, built under the manager lock so
// it never observes a half-updated leg pair.
type Summary struct {
	Pair             string
	Active           bool
	SpotSize         float64
	PerpSize         float64
	NetDelta         float64
	DeltaRatio       float64
	SpotNotional     float64
	PerpNotional     float64
	GrossExposure    float64
	UnrealizedPnl    float64
	FundingCollected float64
	TotalPnl         float64
	ROIPct           float64
	NearLiquidation  bool
}

func (s PairState) summary(liquidationBufferPct float64) Summary {
	return Summary{
		Pair:             s.Pair,
		Active:           s.Active,
		SpotSize:         s.Spot.Size,
		PerpSize:         s.Perp.Size,
		NetDelta:         s.NetDelta(),
		DeltaRatio:       s.DeltaRatio(),
		SpotNotional:     s.Spot.Notional(),
		PerpNotional:     s.Perp.Notional(),
		GrossExposure:    s.GrossExposure(),
		UnrealizedPnl:    s.UnrealizedPnl(),
		FundingCollected: s.Perp.FundingCollected,
		TotalPnl:         s.TotalPnl(),
		ROIPct:           s.ROIPct(),
		NearLiquidation:  s.Perp.NearLiquidation(liquidationBufferPct),
	}
}
