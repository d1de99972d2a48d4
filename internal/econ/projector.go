// Package econ computes multi-year economic projections for a crop: yearly
// cashflows, ROI, NPV in the base currency plus any reporting currencies,
// IRR and payback. All arithmetic stays in float64; Round2 exists for
// display only and is never fed back into a calculation.
package econ

import (
	"fmt"
	"math"

	"github.com/agroclima/quillota/internal/models"
)

const (
	irrEpsilon  = 1e-7
	irrMaxIters = 200
	irrLow      = 0.0
	irrHigh     = 0.5
)

type Projector struct {
	fx *FXStore
}

func NewProjector(fx *FXStore) *Projector {
	return &Projector{fx: fx}
}

// Project builds the projection for crop over horizonYears on areaHa
// hectares, discounting at discountRate. NPV is reported in the base
// currency and converted into each requested currency using the current
// rate snapshot.
func (p *Projector) Project(crop models.CropProfile, areaHa float64, horizonYears int, discountRate float64, currencies []string) (models.Projection, error) {
	if areaHa <= 0 {
		return models.Projection{}, fmt.Errorf("econ: area must be positive, got %v", areaHa)
	}
	if horizonYears <= 0 {
		return models.Projection{}, fmt.Errorf("econ: horizon must be positive, got %d", horizonYears)
	}
	if discountRate < 0 {
		return models.Projection{}, fmt.Errorf("econ: discount rate must not be negative, got %v", discountRate)
	}

	cashflows := make([]float64, horizonYears)
	var totalRevenue, totalCost float64
	for y := 1; y <= horizonYears; y++ {
		cost := yearCost(crop, y) * areaHa
		revenue := yearRevenue(crop, y) * areaHa
		totalCost += cost
		totalRevenue += revenue
		cashflows[y-1] = revenue - cost
	}

	proj := models.Projection{
		CropID:       crop.ID,
		AreaHa:       areaHa,
		HorizonYears: horizonYears,
		Cashflows:    cashflows,
		PaybackYears: payback(cashflows),
		NPV:          map[string]float64{},
	}

	if totalCost > 0 {
		proj.ROIPct = (totalRevenue - totalCost) / totalCost * 100
	}

	table := p.fx.Snapshot()
	npvBase := npv(cashflows, discountRate)
	proj.NPV[table.Base] = npvBase
	for _, code := range currencies {
		rate, err := table.Rate(code)
		if err != nil {
			return models.Projection{}, err
		}
		proj.NPV[code] = npvBase / rate
	}

	proj.IRRPct, proj.IRRConverged = irr(cashflows)
	return proj, nil
}

// Per-hectare cost for year y. Establishment is prorated evenly across the
// pre-yield years, with maintenance on top; productive years carry the
// production cost instead.
func yearCost(crop models.CropProfile, y int) float64 {
	if y <= crop.YearsToFirstYield {
		prorate := 0.0
		if crop.YearsToFirstYield > 0 {
			prorate = crop.EstablishCost / float64(crop.YearsToFirstYield)
		}
		return prorate + crop.MaintenanceCost
	}
	return crop.ProductionCost
}

// Per-hectare revenue for year y. Nothing before first yield; afterwards the
// yield grows linearly until the stabilisation year and then plateaus.
func yearRevenue(crop models.CropProfile, y int) float64 {
	if y <= crop.YearsToFirstYield {
		return 0
	}
	grown := y - crop.YearsToFirstYield
	if crop.StabilisationYear > 0 && grown > crop.StabilisationYear {
		grown = crop.StabilisationYear
	}
	factor := 1 + crop.YieldGrowthRate*float64(grown)
	return factor * crop.YieldKgPerHa * crop.PricePerKg
}

func npv(cashflows []float64, rate float64) float64 {
	var sum float64
	for i, cf := range cashflows {
		sum += cf / math.Pow(1+rate, float64(i+1))
	}
	return sum
}

// irr finds the discount rate in [0, 0.5] that zeroes NPV, by bisection.
// When NPV does not change sign over the interval there is no root to find
// and the sentinel 0 is returned with converged = false.
func irr(cashflows []float64) (ratePct float64, converged bool) {
	lo, hi := irrLow, irrHigh
	fLo := npv(cashflows, lo)
	fHi := npv(cashflows, hi)
	if math.Abs(fLo) < irrEpsilon {
		return lo * 100, true
	}
	if math.Abs(fHi) < irrEpsilon {
		return hi * 100, true
	}
	if fLo*fHi > 0 {
		return 0, false
	}
	for i := 0; i < irrMaxIters; i++ {
		mid := (lo + hi) / 2
		fMid := npv(cashflows, mid)
		if math.Abs(fMid) < irrEpsilon {
			return mid * 100, true
		}
		if fLo*fMid < 0 {
			hi = mid
			fHi = fMid
		} else {
			lo = mid
			fLo = fMid
		}
	}
	return (lo + hi) / 2 * 100, true
}

// payback returns the first year whose cumulative cashflow is non-negative,
// or +Inf when the investment never pays back within the horizon.
func payback(cashflows []float64) float64 {
	var cum float64
	for i, cf := range cashflows {
		cum += cf
		if cum >= 0 {
			return float64(i + 1)
		}
	}
	return math.Inf(1)
}

// Round2 rounds for display. Results of Round2 must not be used in further
// arithmetic.
func Round2(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return math.Round(v*100) / 100
}
