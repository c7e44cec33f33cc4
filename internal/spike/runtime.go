package spike

import (
	"context"

	"github.com/rewired-gh/crimerisk/internal/xgboost"
)

// NativeRuntime evaluates XGBoost JSON models in process. It is always available.
type NativeRuntime struct{}

// Available implements Runtime.
func (NativeRuntime) Available(context.Context) error {
	return nil
}

// Open implements Runtime.
func (NativeRuntime) Open(_, path string) (Classifier, error) {
	b, err := xgboost.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return boosterClassifier{b}, nil
}

type boosterClassifier struct {
	*xgboost.Booster
}

func (c boosterClassifier) PredictProba(_ context.Context, features []float64) (float64, error) {
	return c.Booster.PredictProba(features)
}
