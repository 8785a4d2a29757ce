package confluence

import (
	"time"

	"github.com/gravix-labs/confluxbot/types"
)

// Per-timeframe weights: higher timeframes carry more authority.
var tfWeights = map[int]float64{1: 1.0, 5: 1.3, 15: 1.5, 30: 1.7, 60: 2.0}

func tfWeight(tf int) float64 {
	if w, ok := tfWeights[tf]; ok {
		return w
	}
	return 1.0
}

// CombineTimeframes folds per-timeframe confluence signals into one. The
// primary timeframe's direction leads; a NEUTRAL primary lets the highest
// sufficiently-agreed timeframe take over. Fewer than minAgree agreeing
// timeframes yields NEUTRAL. SL/TP come from the largest agreeing timeframe
// (wider stops survive noise).
func CombineTimeframes(perTF map[int]*types.ConfluenceSignal, primaryTF, minAgree int) *types.ConfluenceSignal {
	if len(perTF) == 0 {
		return nil
	}
	if minAgree > len(perTF) {
		minAgree = len(perTF)
	}
	if minAgree < 1 {
		minAgree = 1
	}

	// Single timeframe: nothing to combine.
	if len(perTF) == 1 {
		for _, s := range perTF {
			return s
		}
	}

	votes := make(map[int]types.TimeframeVote, len(perTF))
	for tf, s := range perTF {
		votes[tf] = types.TimeframeVote{
			Timeframe:  tf,
			Direction:  s.Direction,
			Strength:   s.Strength,
			Confidence: s.Confidence,
			Count:      s.ConfluenceCount,
			StopLoss:   s.StopLoss,
			TakeProfit: s.TakeProfit,
		}
	}

	agreeCount := func(dir types.Direction) int {
		n := 0
		for _, v := range votes {
			if v.Direction == dir {
				n++
			}
		}
		return n
	}

	dir := types.DirectionNeutral
	if p, ok := perTF[primaryTF]; ok {
		dir = p.Direction
	}
	if dir == types.DirectionNeutral {
		// Promote the highest timeframe whose direction carries enough
		// agreement.
		bestTF := 0
		for tf, s := range perTF {
			if s.Direction == types.DirectionNeutral || tf <= bestTF {
				continue
			}
			if agreeCount(s.Direction) >= minAgree {
				bestTF = tf
				dir = s.Direction
			}
		}
	}
	if dir == types.DirectionNeutral {
		return neutralCombined(perTF, primaryTF, votes)
	}

	agreeing := agreeCount(dir)
	if agreeing < minAgree {
		return neutralCombined(perTF, primaryTF, votes)
	}

	// Weighted average over agreeing timeframes; the rest contribute only
	// to the unanimity assessment.
	var wSum, strength, confidence, agreeW, totalW float64
	largestTF := 0
	for tf, s := range perTF {
		w := tfWeight(tf)
		totalW += w
		if s.Direction != dir {
			continue
		}
		wSum += w
		agreeW += w
		strength += s.Strength * w
		confidence += s.Confidence * w
		if tf > largestTF {
			largestTF = tf
		}
	}
	strength /= wSum
	confidence /= wSum

	var bonus float64
	switch {
	case agreeing == len(perTF) && len(perTF) >= 3:
		bonus = 0.15
	case agreeing == 2 && len(perTF) == 2:
		bonus = 0.10
	default:
		bonus = agreeW / totalW * 0.12
		if bonus > 0.10 {
			bonus = 0.10
		}
	}
	strength = clampUnit(strength + bonus)
	confidence = clampUnit(confidence + bonus)

	base := perTF[largestTF]
	out := &types.ConfluenceSignal{
		Pair:            base.Pair,
		Direction:       dir,
		Strength:        strength,
		Confidence:      confidence,
		ConfluenceCount: base.ConfluenceCount,
		RealVotes:       base.RealVotes,
		Signals:         base.Signals,
		OBI:             base.OBI,
		BookScore:       base.BookScore,
		OBIAgrees:       base.OBIAgrees,
		IsSureFire:      base.IsSureFire,
		EntryPrice:      base.EntryPrice,
		StopLoss:        base.StopLoss,
		TakeProfit:      base.TakeProfit,
		TrendRegime:     base.TrendRegime,
		VolRegime:       base.VolRegime,
		Timeframes:      votes,
		Timestamp:       time.Now().UTC(),
		Metadata:        base.Metadata,
	}
	return out
}

func neutralCombined(perTF map[int]*types.ConfluenceSignal, primaryTF int, votes map[int]types.TimeframeVote) *types.ConfluenceSignal {
	base, ok := perTF[primaryTF]
	if !ok {
		for _, s := range perTF {
			base = s
			break
		}
	}
	return &types.ConfluenceSignal{
		Pair:        base.Pair,
		Direction:   types.DirectionNeutral,
		EntryPrice:  base.EntryPrice,
		TrendRegime: base.TrendRegime,
		VolRegime:   base.VolRegime,
		Timeframes:  votes,
		Timestamp:   time.Now().UTC(),
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
