package domain

import "testing"

func f64(v float64) *float64 { return &v }

func TestClassifyPrecision(t *testing.T) {
	cases := []struct {
		name      string
		accuracyM *float64
		want      PrecisionClass
	}{
		{"missing", nil, PrecisionUnknown},
		{"fine boundary", f64(50), PrecisionFine},
		{"medium", f64(120), PrecisionMedium},
		{"medium boundary", f64(500), PrecisionMedium},
		{"coarse", f64(5000), PrecisionCoarse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPrecision(tc.accuracyM); got != tc.want {
				t.Fatalf("ClassifyPrecision(%v) = %v, want %v", tc.accuracyM, got, tc.want)
			}
		})
	}
}

func TestDegradeAdminCodesNullsFineGrainedLevelsWhenCoarse(t *testing.T) {
	codes := map[string]string{
		"country":      "RW",
		"province":     "Kigali",
		"municipality": "Gasabo",
		"sector":       "Kimironko",
	}

	degraded := DegradeAdminCodes(codes, PrecisionCoarse)
	if _, ok := degraded["municipality"]; ok {
		t.Fatalf("expected municipality to be nulled for coarse precision, got %+v", degraded)
	}
	if _, ok := degraded["sector"]; ok {
		t.Fatalf("expected sector to be nulled for coarse precision, got %+v", degraded)
	}
	if degraded["country"] != "RW" || degraded["province"] != "Kigali" {
		t.Fatalf("expected country/province to survive degradation, got %+v", degraded)
	}
}

func TestDegradeAdminCodesLeavesFineAndMediumUntouched(t *testing.T) {
	codes := map[string]string{"municipality": "Gasabo", "sector": "Kimironko"}
	for _, class := range []PrecisionClass{PrecisionFine, PrecisionMedium, PrecisionUnknown} {
		got := DegradeAdminCodes(codes, class)
		if len(got) != len(codes) {
			t.Fatalf("expected no degradation for class=%v, got %+v", class, got)
		}
	}
}
