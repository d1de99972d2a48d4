package econ

import (
	"math"
	"testing"

	"github.com/agroclima/quillota/internal/models"
)

func chirimoyaProfile() models.CropProfile {
	return models.CropProfile{
		ID:                "chirimoya",
		PricePerKg:        1200,
		YieldKgPerHa:      8000,
		EstablishCost:     4000000,
		MaintenanceCost:   900000,
		ProductionCost:    2500000,
		ProductiveYears:   20,
		YearsToFirstYield: 3,
		YieldGrowthRate:   0.15,
		StabilisationYear: 5,
	}
}

func testFX() *FXStore {
	return NewFXStore("CLP", map[string]float64{"USD": 900, "EUR": 1000})
}

func TestProject_CashflowShape(t *testing.T) {
	p := NewProjector(testFX())
	crop := chirimoyaProfile()

	proj, err := p.Project(crop, 2, 10, 0.08, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(proj.Cashflows) != 10 {
		t.Fatalf("len(Cashflows) = %d, want 10", len(proj.Cashflows))
	}

	// Pre-yield years: prorated establishment plus maintenance, no revenue.
	wantEarly := -(crop.EstablishCost/3 + crop.MaintenanceCost) * 2
	for y := 0; y < 3; y++ {
		if math.Abs(proj.Cashflows[y]-wantEarly) > 1e-6 {
			t.Errorf("Cashflows[%d] = %v, want %v", y, proj.Cashflows[y], wantEarly)
		}
	}

	// Year 4: first productive year, growth factor 1 + 0.15*1.
	wantY4 := (1+0.15)*crop.YieldKgPerHa*crop.PricePerKg*2 - crop.ProductionCost*2
	if math.Abs(proj.Cashflows[3]-wantY4) > 1e-6 {
		t.Errorf("Cashflows[3] = %v, want %v", proj.Cashflows[3], wantY4)
	}

	// Growth plateaus after the stabilisation year.
	if proj.Cashflows[8] != proj.Cashflows[9] {
		t.Errorf("Cashflows[8] = %v != Cashflows[9] = %v, want plateau", proj.Cashflows[8], proj.Cashflows[9])
	}
}

func TestProject_NPVCurrencyConsistency(t *testing.T) {
	p := NewProjector(testFX())

	proj, err := p.Project(chirimoyaProfile(), 1, 12, 0.08, []string{"USD", "EUR"})
	if err != nil {
		t.Fatalf("Project: %v", err)
	}

	base := proj.NPV["CLP"]
	for code, rate := range map[string]float64{"USD": 900, "EUR": 1000} {
		got := proj.NPV[code] * rate
		rel := math.Abs(got-base) / math.Abs(base)
		if rel > 1e-6 {
			t.Errorf("NPV[%s]*rate = %v, want %v (rel err %g)", code, got, base, rel)
		}
	}
	if math.Abs(proj.NPV["USD"]-base/900) > math.Abs(base)*1e-9 {
		t.Errorf("NPV[USD] = %v, want %v", proj.NPV["USD"], base/900)
	}
}

func TestProject_UnknownCurrency(t *testing.T) {
	p := NewProjector(testFX())
	_, err := p.Project(chirimoyaProfile(), 1, 10, 0.08, []string{"GBP"})
	if err == nil {
		t.Fatal("Project accepted an unknown currency")
	}
}

func TestProject_ROIZeroCost(t *testing.T) {
	p := NewProjector(testFX())
	crop := models.CropProfile{ID: "free", YearsToFirstYield: 0, PricePerKg: 0, YieldKgPerHa: 0}

	proj, err := p.Project(crop, 1, 5, 0.05, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if proj.ROIPct != 0 {
		t.Errorf("ROIPct = %v, want 0 when total cost is zero", proj.ROIPct)
	}
}

func TestProject_PaybackNeverIsInf(t *testing.T) {
	p := NewProjector(testFX())
	crop := chirimoyaProfile()
	crop.PricePerKg = 1 // revenue never recovers the establishment cost

	proj, err := p.Project(crop, 1, 6, 0.08, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !math.IsInf(proj.PaybackYears, 1) {
		t.Errorf("PaybackYears = %v, want +Inf", proj.PaybackYears)
	}
}

func TestProject_Payback(t *testing.T) {
	p := NewProjector(testFX())

	proj, err := p.Project(chirimoyaProfile(), 1, 12, 0.08, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if math.IsInf(proj.PaybackYears, 1) {
		t.Fatal("PaybackYears = +Inf, want finite")
	}
	// Cross-check against the cumulative cashflow.
	cum := 0.0
	want := math.Inf(1)
	for i, cf := range proj.Cashflows {
		cum += cf
		if cum >= 0 {
			want = float64(i + 1)
			break
		}
	}
	if proj.PaybackYears != want {
		t.Errorf("PaybackYears = %v, want %v", proj.PaybackYears, want)
	}
}

func TestProject_IRR(t *testing.T) {
	p := NewProjector(testFX())
	crop := chirimoyaProfile()
	crop.PricePerKg = 400 // modestly profitable, IRR inside [0, 0.5]

	proj, err := p.Project(crop, 1, 12, 0.08, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !proj.IRRConverged {
		t.Fatal("IRRConverged = false, want true")
	}
	// The found rate must actually zero the NPV to the bisection tolerance.
	if got := npv(proj.Cashflows, proj.IRRPct/100); math.Abs(got) > 1e-6 {
		t.Errorf("npv at IRR = %v, want |npv| <= 1e-6", got)
	}
}

func TestProject_IRRNoSignChange(t *testing.T) {
	p := NewProjector(testFX())
	crop := chirimoyaProfile()
	crop.PricePerKg = 1 // always negative cashflow, no root in [0, 0.5]

	proj, err := p.Project(crop, 1, 6, 0.08, nil)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if proj.IRRConverged {
		t.Error("IRRConverged = true, want false with no sign change")
	}
	if proj.IRRPct != 0 {
		t.Errorf("IRRPct = %v, want sentinel 0", proj.IRRPct)
	}
}

func TestProject_BadInputs(t *testing.T) {
	p := NewProjector(testFX())
	crop := chirimoyaProfile()

	if _, err := p.Project(crop, 0, 10, 0.08, nil); err == nil {
		t.Error("zero area accepted")
	}
	if _, err := p.Project(crop, 1, 0, 0.08, nil); err == nil {
		t.Error("zero horizon accepted")
	}
	if _, err := p.Project(crop, 1, 10, -0.1, nil); err == nil {
		t.Error("negative discount rate accepted")
	}
}

func TestFXStore_AtomicReplace(t *testing.T) {
	fx := NewFXStore("CLP", map[string]float64{"USD": 900})

	before := fx.Snapshot()
	fx.Replace("CLP", map[string]float64{"USD": 950})
	after := fx.Snapshot()

	if r, _ := before.Rate("USD"); r != 900 {
		t.Errorf("old snapshot rate = %v, want 900 (snapshots are immutable)", r)
	}
	if r, _ := after.Rate("USD"); r != 950 {
		t.Errorf("new snapshot rate = %v, want 950", r)
	}
	if r, err := after.Rate("CLP"); err != nil || r != 1 {
		t.Errorf("base rate = %v, %v, want 1, nil", r, err)
	}
}

func TestRound2(t *testing.T) {
	if got := Round2(3.14159); got != 3.14 {
		t.Errorf("Round2(3.14159) = %v, want 3.14", got)
	}
	if got := Round2(math.Inf(1)); !math.IsInf(got, 1) {
		t.Errorf("Round2(+Inf) = %v, want +Inf", got)
	}
}
