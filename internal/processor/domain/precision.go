// Package domain holds processor business logic with no infrastructure
// dependencies: precision-class derivation, the admin-level set, and
// admin-code degradation.
package domain

// PrecisionClass buckets reported GPS accuracy for privacy degradation.
type PrecisionClass string

const (
	PrecisionFine    PrecisionClass = "fine"
	PrecisionMedium  PrecisionClass = "medium"
	PrecisionCoarse  PrecisionClass = "coarse"
	PrecisionUnknown PrecisionClass = "unknown"
)

// ClassifyPrecision buckets accuracyM: fine <= 50m, medium <= 500m, else
// coarse; unknown if accuracy wasn't reported at all.
func ClassifyPrecision(accuracyM *float64) PrecisionClass {
	if accuracyM == nil {
		return PrecisionUnknown
	}
	switch {
	case *accuracyM <= 50:
		return PrecisionFine
	case *accuracyM <= 500:
		return PrecisionMedium
	default:
		return PrecisionCoarse
	}
}

// AdminLevels is the closed set of administrative levels this system
// resolves, in degradation order (the levels privacy degradation nulls out
// first are listed last).
var AdminLevels = []string{"country", "province", "municipality", "sector"}

// DegradeAdminCodes nulls out municipality and sector when precision is
// coarse, per the privacy-degradation rule.
func DegradeAdminCodes(codes map[string]string, class PrecisionClass) map[string]string {
	if class != PrecisionCoarse {
		return codes
	}
	out := make(map[string]string, len(codes))
	for level, code := range codes {
		if level == "municipality" || level == "sector" {
			continue
		}
		out[level] = code
	}
	return out
}
