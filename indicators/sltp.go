package indicators

// ComputeSLTP derives a stop-loss/take-profit pair from ATR distances.
// The TP distance is widened when needed so the trade clears the round-trip
// fee: TP must sit at least roundTripFeePct away from entry (as a fraction,
// e.g. 0.0052 for 0.52%).
//
// side is +1 for long, -1 for short.
func ComputeSLTP(entry, atr float64, side int, slMult, tpMult, roundTripFeePct float64) (sl, tp float64) {
	if entry <= 0 || atr <= 0 || side == 0 {
		return 0, 0
	}

	slDist := atr * slMult
	tpDist := atr * tpMult

	// Fee floor: a TP that cannot cover fees is not a take-profit.
	minTPDist := entry * roundTripFeePct
	if tpDist < minTPDist {
		tpDist = minTPDist
	}

	if side > 0 {
		sl = entry - slDist
		tp = entry + tpDist
	} else {
		sl = entry + slDist
		tp = entry - tpDist
	}
	if sl < 0 {
		sl = 0
	}
	return sl, tp
}
