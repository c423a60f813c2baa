package matching

import (
	"math"
	"strconv"
	"strings"
)

// MaxEstimatedMiles is the cap of the distance estimate and the value used
// for unrelated, non-numeric location codes.
const MaxEstimatedMiles = 15.0

const milesPerCodeUnit = 2.0

// EstimateDistance approximates the miles between two location codes. Codes
// are treated as numeric (zip-like); each unit of difference is two miles,
// capped at 5, 12 and 15 miles as the difference grows. The estimate is
// symmetric and non-decreasing in the code difference.
func EstimateDistance(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return 0
	}
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return MaxEstimatedMiles
	}

	diff := math.Abs(float64(x - y))
	est := diff * milesPerCodeUnit
	switch {
	case diff == 0:
		return 0
	case diff <= 5:
		return math.Min(est, 5)
	case diff <= 10:
		return math.Min(est, 12)
	default:
		return math.Min(est, MaxEstimatedMiles)
	}
}
