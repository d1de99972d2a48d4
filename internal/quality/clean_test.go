package quality

import (
	"testing"
	"time"

	"github.com/agroclima/quillota/internal/models"
)

func obsAt(station string, hour int) models.Observation {
	return models.Observation{
		StationID:  station,
		ObservedAt: time.Date(2026, 7, 14, hour, 0, 0, 0, time.UTC),
	}
}

func TestClean_UnknownFieldRejected(t *testing.T) {
	_, err := Clean(nil, Strategy{Fill: map[string]FillRule{"banana": {Method: FillForward}}})
	if err == nil {
		t.Fatal("Clean accepted an unknown field")
	}
}

func TestClean_SortsByStationAndTime(t *testing.T) {
	records := []models.Observation{
		obsAt("b", 2),
		obsAt("a", 3),
		obsAt("a", 1),
	}
	records[0].TempMean = f(1)
	records[1].TempMean = f(2)
	records[2].TempMean = f(3)

	out, err := Clean(records, Strategy{})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out[0].StationID != "a" || out[0].ObservedAt.Hour() != 1 {
		t.Errorf("out[0] = %s@%d, want a@1", out[0].StationID, out[0].ObservedAt.Hour())
	}
	if out[2].StationID != "b" {
		t.Errorf("out[2].StationID = %s, want b", out[2].StationID)
	}
}

func TestClean_DedupeKeepsHighestQuality(t *testing.T) {
	low := obsAt("a", 1)
	low.TempMean = f(10)
	low.Quality = 60
	high := obsAt("a", 1)
	high.TempMean = f(11)
	high.Quality = 90

	out, err := Clean([]models.Observation{low, high}, Strategy{Dedupe: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].TempMean.Float64 != 11 {
		t.Errorf("kept TempMean = %v, want 11 (higher quality)", out[0].TempMean.Float64)
	}
}

func TestClean_DedupeTieLaterWins(t *testing.T) {
	first := obsAt("a", 1)
	first.TempMean = f(10)
	first.Quality = 80
	second := obsAt("a", 1)
	second.TempMean = f(12)
	second.Quality = 80

	out, err := Clean([]models.Observation{first, second}, Strategy{Dedupe: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out[0].TempMean.Float64 != 12 {
		t.Errorf("kept TempMean = %v, want 12 (later record)", out[0].TempMean.Float64)
	}
}

func TestClean_DropAllNull(t *testing.T) {
	empty := obsAt("a", 1)
	full := obsAt("a", 2)
	full.Humidity = f(50)

	out, err := Clean([]models.Observation{empty, full}, Strategy{DropAllNull: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].ObservedAt.Hour() != 2 {
		t.Errorf("kept hour %d, want 2", out[0].ObservedAt.Hour())
	}
}

func TestClean_ForwardFillBounded(t *testing.T) {
	records := []models.Observation{
		obsAt("a", 1), obsAt("a", 2), obsAt("a", 3), obsAt("a", 4), obsAt("a", 5),
	}
	records[0].TempMean = f(15)
	// hours 2..5 missing

	out, err := Clean(records, Strategy{Fill: map[string]FillRule{
		FieldTempMean: {Method: FillForward, MaxSteps: 2},
	}})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if !out[1].TempMean.Valid || out[1].TempMean.Float64 != 15 {
		t.Error("step 1 not forward filled")
	}
	if !out[2].TempMean.Valid {
		t.Error("step 2 not forward filled")
	}
	if out[3].TempMean.Valid {
		t.Error("step 3 filled beyond MaxSteps")
	}
}

func TestClean_ForwardFillResetsAcrossStations(t *testing.T) {
	first := obsAt("a", 1)
	first.TempMean = f(15)
	other := obsAt("b", 2)

	out, err := Clean([]models.Observation{first, other}, Strategy{Fill: map[string]FillRule{
		FieldTempMean: {Method: FillForward, MaxSteps: 5},
	}})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if out[1].TempMean.Valid {
		t.Error("value leaked across station boundary")
	}
}

func TestClean_MeanFill(t *testing.T) {
	records := []models.Observation{obsAt("a", 1), obsAt("a", 2), obsAt("a", 3)}
	records[0].Pressure = f(1010)
	records[2].Pressure = f(1014)

	out, err := Clean(records, Strategy{Fill: map[string]FillRule{
		FieldPressure: {Method: FillMean, Window: 2},
	}})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if !out[1].Pressure.Valid || out[1].Pressure.Float64 != 1012 {
		t.Errorf("Pressure = %v, want mean 1012", out[1].Pressure)
	}
}

func TestClean_ConstantFill(t *testing.T) {
	records := []models.Observation{obsAt("a", 1)}
	records[0].TempMean = f(10) // keep the row past a DropAllNull strategy

	out, err := Clean(records, Strategy{Fill: map[string]FillRule{
		FieldPrecipMM: {Method: FillConstant, Constant: 0},
	}})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if !out[0].PrecipMM.Valid || out[0].PrecipMM.Float64 != 0 {
		t.Errorf("PrecipMM = %v, want constant 0", out[0].PrecipMM)
	}
}

func TestClean_NeverFabricatesTimestamps(t *testing.T) {
	records := []models.Observation{obsAt("a", 1), obsAt("a", 4)}
	records[0].TempMean = f(10)
	records[1].TempMean = f(12)

	out, err := Clean(records, Strategy{Fill: map[string]FillRule{
		FieldTempMean: {Method: FillForward, MaxSteps: 10},
	}})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2: cleaning must not invent rows", len(out))
	}
}
