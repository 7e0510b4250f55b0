package billing

import "math"

// Amount pro-rates a plan price for minutes used beyond the plan's base
// duration. Sessions that finish early are charged the full plan price.
func Amount(priceCents int64, baseMinutes, finalMinutes int) int64 {
	if priceCents <= 0 || baseMinutes <= 0 {
		return 0
	}
	if finalMinutes <= baseMinutes {
		return priceCents
	}
	extra := float64(priceCents) * float64(finalMinutes-baseMinutes) / float64(baseMinutes)
	return priceCents + int64(math.Round(extra))
}
