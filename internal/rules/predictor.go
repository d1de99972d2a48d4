package rules

// Predictor is an optional external collaborator that refines risk rules with
// a model prediction. The engine only consumes predictions; training and model
// lifecycle live elsewhere.
type Predictor interface {
	// Predict returns a risk value in [0,1] and a confidence in [0,1].
	Predict(features map[string]float64) (value, confidence float64, err error)
}
