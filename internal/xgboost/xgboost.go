// Package xgboost evaluates gradient boosted tree classifiers saved in
// XGBoost's JSON model format (XGBClassifier.save_model with a .json path).
//
// Only the gbtree booster with numerical splits and a single output is
// supported, which covers binary:logistic classifiers.
package xgboost

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrUnsupported is returned for model features the evaluator does not implement.
var ErrUnsupported = errors.New("unsupported xgboost model")

type tree struct {
	left    []int
	right   []int
	split   []int
	cond    []float64
	defLeft []bool
}

// Booster is a loaded tree ensemble. It is immutable and safe for concurrent use.
type Booster struct {
	trees        []tree
	baseMargin   float64
	numFeature   int
	objective    string
	featureNames []string
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", "1":
		*b = true
	case "false", "0":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

type rawTree struct {
	LeftChildren    []int      `json:"left_children"`
	RightChildren   []int      `json:"right_children"`
	SplitIndices    []int      `json:"split_indices"`
	SplitConditions []float64  `json:"split_conditions"`
	DefaultLeft     []flexBool `json:"default_left"`
	SplitType       []int      `json:"split_type"`
	Categories      []int      `json:"categories"`
}

type rawModel struct {
	Learner struct {
		FeatureNames    []string `json:"feature_names"`
		GradientBooster struct {
			Name  string `json:"name"`
			Model struct {
				Trees []rawTree `json:"trees"`
			} `json:"model"`
		} `json:"gradient_booster"`
		LearnerModelParam struct {
			BaseScore  string `json:"base_score"`
			NumClass   string `json:"num_class"`
			NumFeature string `json:"num_feature"`
			NumTarget  string `json:"num_target"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
	} `json:"learner"`
}

// LoadFile reads and parses a JSON model file.
func LoadFile(path string) (*Booster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read xgboost model: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON model.
func Parse(data []byte) (*Booster, error) {
	var raw rawModel
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal xgboost model: %w", err)
	}
	l := raw.Learner

	if l.GradientBooster.Name != "gbtree" {
		return nil, fmt.Errorf("%w: booster %q", ErrUnsupported, l.GradientBooster.Name)
	}
	if n := parseIntOr(l.LearnerModelParam.NumClass, 0); n > 1 {
		return nil, fmt.Errorf("%w: %d classes", ErrUnsupported, n)
	}
	if n := parseIntOr(l.LearnerModelParam.NumTarget, 1); n > 1 {
		return nil, fmt.Errorf("%w: %d targets", ErrUnsupported, n)
	}

	numFeature, err := strconv.Atoi(l.LearnerModelParam.NumFeature)
	if err != nil || numFeature < 1 {
		return nil, fmt.Errorf("invalid num_feature %q", l.LearnerModelParam.NumFeature)
	}
	base, err := parseBaseScore(l.LearnerModelParam.BaseScore)
	if err != nil {
		return nil, err
	}

	b := &Booster{
		numFeature:   numFeature,
		objective:    l.Objective.Name,
		featureNames: l.FeatureNames,
	}
	switch b.objective {
	case "binary:logistic", "reg:logistic":
		if base <= 0 || base >= 1 {
			return nil, fmt.Errorf("base_score %v must be in (0,1) for %s", base, b.objective)
		}
		b.baseMargin = math.Log(base / (1 - base))
	case "binary:logitraw":
		b.baseMargin = base
	default:
		return nil, fmt.Errorf("%w: objective %q", ErrUnsupported, b.objective)
	}

	for i, rt := range l.GradientBooster.Model.Trees {
		t, err := convertTree(rt, numFeature)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		b.trees = append(b.trees, t)
	}
	return b, nil
}

func convertTree(rt rawTree, numFeature int) (tree, error) {
	n := len(rt.LeftChildren)
	if n == 0 {
		return tree{}, errors.New("empty tree")
	}
	if len(rt.RightChildren) != n || len(rt.SplitIndices) != n || len(rt.SplitConditions) != n || len(rt.DefaultLeft) != n {
		return tree{}, errors.New("node arrays differ in length")
	}
	if len(rt.Categories) > 0 {
		return tree{}, fmt.Errorf("%w: categorical splits", ErrUnsupported)
	}
	for _, st := range rt.SplitType {
		if st != 0 {
			return tree{}, fmt.Errorf("%w: categorical splits", ErrUnsupported)
		}
	}

	t := tree{
		left:    rt.LeftChildren,
		right:   rt.RightChildren,
		split:   rt.SplitIndices,
		cond:    rt.SplitConditions,
		defLeft: make([]bool, n),
	}
	for i := 0; i < n; i++ {
		t.defLeft[i] = bool(rt.DefaultLeft[i])
		if t.left[i] == -1 {
			continue
		}
		if t.left[i] <= i || t.left[i] >= n || t.right[i] <= i || t.right[i] >= n {
			return tree{}, fmt.Errorf("node %d has invalid children", i)
		}
		if t.split[i] < 0 || t.split[i] >= numFeature {
			return tree{}, fmt.Errorf("node %d splits on feature %d of %d", i, t.split[i], numFeature)
		}
	}
	return t, nil
}

// eval returns the leaf value reached by x. Children always have larger
// indices than their parent, so the walk terminates. Splits compare in
// float32, the precision XGBoost trains and predicts with.
func (t *tree) eval(x []float64) float64 {
	i := 0
	for t.left[i] != -1 {
		v := x[t.split[i]]
		switch {
		case math.IsNaN(v):
			if t.defLeft[i] {
				i = t.left[i]
			} else {
				i = t.right[i]
			}
		case float32(v) < float32(t.cond[i]):
			i = t.left[i]
		default:
			i = t.right[i]
		}
	}
	return t.cond[i]
}

// PredictMargin returns the raw ensemble output for one row.
func (b *Booster) PredictMargin(features []float64) (float64, error) {
	if len(features) != b.numFeature {
		return 0, fmt.Errorf("expected %d features, got %d", b.numFeature, len(features))
	}
	margin := b.baseMargin
	for i := range b.trees {
		margin += b.trees[i].eval(features)
	}
	return margin, nil
}

// PredictProba returns the positive-class probability for one row.
func (b *Booster) PredictProba(features []float64) (float64, error) {
	margin, err := b.PredictMargin(features)
	if err != nil {
		return 0, err
	}
	return 1 / (1 + math.Exp(-margin)), nil
}

// NumFeature returns the number of input features the model expects.
func (b *Booster) NumFeature() int {
	return b.numFeature
}

// NumTrees returns the number of trees in the ensemble.
func (b *Booster) NumTrees() int {
	return len(b.trees)
}

// FeatureNames returns the training feature names, if the model recorded them.
func (b *Booster) FeatureNames() []string {
	return append([]string(nil), b.featureNames...)
}

// parseBaseScore accepts "5E-1" and the bracketed "[5E-1]" written by newer
// releases.
func parseBaseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return 0.5, nil
	}
	if strings.Contains(s, ",") {
		return 0, fmt.Errorf("%w: vector base_score", ErrUnsupported)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid base_score %q: %w", s, err)
	}
	return v, nil
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
