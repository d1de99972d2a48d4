package facade

import "github.com/agroclima/quillota/internal/models"

// ComfortIndex scores how comfortable field conditions are on a 0..100
// scale: 100 at 21 °C, 50 % humidity and still air, dropping as any of the
// three drifts away. Missing fields simply contribute nothing.
func ComfortIndex(obs models.Observation) (float64, string) {
	score := 100.0

	if obs.TempMean.Valid {
		dev := obs.TempMean.Float64 - 21
		if dev < 0 {
			dev = -dev
		}
		score -= dev * 3
	}
	if obs.Humidity.Valid {
		dev := obs.Humidity.Float64 - 50
		if dev < 0 {
			dev = -dev
		}
		score -= dev * 0.5
	}
	if obs.WindSpeed.Valid && obs.WindSpeed.Float64 > 10 {
		score -= (obs.WindSpeed.Float64 - 10) * 0.8
	}

	if score < 0 {
		score = 0
	}
	return score, comfortLabel(score)
}

func comfortLabel(score float64) string {
	switch {
	case score >= 75:
		return "agradable"
	case score >= 50:
		return "moderado"
	case score >= 25:
		return "incomodo"
	default:
		return "extremo"
	}
}
