package xgboost

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

const fixtureTemplate = `{
  "learner": {
    "attributes": {},
    "feature_names": ["lag1", "lag2", "trend"],
    "feature_types": [],
    "gradient_booster": {
      "name": "gbtree",
      "model": {
        "gbtree_model_param": {"num_parallel_tree": "1", "num_trees": "2"},
        "tree_info": [0, 0],
        "trees": [
          {
            "id": 0,
            "left_children": [1, -1, -1],
            "right_children": [2, -1, -1],
            "split_indices": [0, 0, 0],
            "split_conditions": [0.5, 0.2, -0.3],
            "default_left": [true, false, false],
            "split_type": [0, 0, 0],
            "categories": []
          },
          {
            "id": 1,
            "left_children": [1, 3, -1, -1, -1],
            "right_children": [2, 4, -1, -1, -1],
            "split_indices": [2, 1, 0, 0, 0],
            "split_conditions": [10, 1, -0.1, 0.1, 0.4],
            "default_left": [0, 1, 0, 0, 0],
            "split_type": [0, 0, 0, 0, 0],
            "categories": []
          }
        ]
      }
    },
    "learner_model_param": {"base_score": "BASE", "num_class": "0", "num_feature": "3", "num_target": "1"},
    "objective": {"name": "OBJECTIVE", "reg_loss_param": {"scale_pos_weight": "1"}}
  },
  "version": [2, 0, 3]
}`

func fixture(base, objective string) []byte {
	s := strings.Replace(fixtureTemplate, "BASE", base, 1)
	s = strings.Replace(s, "OBJECTIVE", objective, 1)
	return []byte(s)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func TestPredict(t *testing.T) {
	b, err := Parse(fixture("5E-1", "binary:logistic"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if b.NumTrees() != 2 || b.NumFeature() != 3 {
		t.Fatalf("Expected 2 trees over 3 features, got %d over %d", b.NumTrees(), b.NumFeature())
	}

	nan := math.NaN()
	tests := []struct {
		name   string
		x      []float64
		margin float64
	}{
		{"left then right", []float64{0, 0, 20}, 0.2 - 0.1},
		{"right then left-left", []float64{1, 0.5, 5}, -0.3 + 0.1},
		{"threshold goes right", []float64{0.5, 1, 5}, -0.3 + 0.4},
		{"missing values follow default", []float64{nan, nan, 5}, 0.2 + 0.1},
		{"missing right default", []float64{0, 0, nan}, 0.2 - 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := b.PredictMargin(tt.x)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(m-tt.margin) > 1e-12 {
				t.Errorf("PredictMargin() = %v, expected %v", m, tt.margin)
			}
			p, err := b.PredictProba(tt.x)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(p-sigmoid(tt.margin)) > 1e-12 {
				t.Errorf("PredictProba() = %v, expected %v", p, sigmoid(tt.margin))
			}
		})
	}
}

func TestBaseScore(t *testing.T) {
	b, err := Parse(fixture("[2.5E-1]", "binary:logistic"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m, err := b.PredictMargin([]float64{0, 0, 20})
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(0.25/0.75) + 0.1
	if math.Abs(m-want) > 1e-12 {
		t.Errorf("Expected margin %v, got %v", want, m)
	}

	raw, err := Parse(fixture("2E-1", "binary:logitraw"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	m, err = raw.PredictMargin([]float64{0, 0, 20})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(m-0.3) > 1e-12 {
		t.Errorf("Expected raw margin 0.3, got %v", m)
	}
}

func TestFeatureCountMismatch(t *testing.T) {
	b, err := Parse(fixture("5E-1", "binary:logistic"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.PredictProba([]float64{1, 2}); err == nil {
		t.Error("Expected error for wrong feature count")
	}
	if names := b.FeatureNames(); len(names) != 3 || names[2] != "trend" {
		t.Errorf("Unexpected feature names %v", names)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		unsupported bool
	}{
		{"malformed", []byte("{"), false},
		{"multiclass objective", fixture("5E-1", "multi:softprob"), true},
		{"dart booster", []byte(strings.Replace(string(fixture("5E-1", "binary:logistic")), `"name": "gbtree"`, `"name": "dart"`, 1)), true},
		{"vector base score", fixture("[5E-1,5E-1]", "binary:logistic"), true},
		{"bad base score", fixture("abc", "binary:logistic"), false},
		{"logistic base out of range", fixture("1", "binary:logistic"), false},
		{"categorical", []byte(strings.Replace(string(fixture("5E-1", "binary:logistic")), `"split_type": [0, 0, 0]`, `"split_type": [1, 0, 0]`, 1)), true},
		{"bad child", []byte(strings.Replace(string(fixture("5E-1", "binary:logistic")), `"left_children": [1, -1, -1]`, `"left_children": [0, -1, -1]`, 1)), false},
		{"feature out of range", []byte(strings.Replace(string(fixture("5E-1", "binary:logistic")), `"split_indices": [0, 0, 0]`, `"split_indices": [7, 0, 0]`, 1)), false},
		{"bad default_left", []byte(strings.Replace(string(fixture("5E-1", "binary:logistic")), `[true, false, false]`, `["yes", false, false]`, 1)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if tt.unsupported && !errors.Is(err, ErrUnsupported) {
				t.Errorf("Expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Mission.json")
	if err := os.WriteFile(path, fixture("5E-1", "binary:logistic"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	p, err := b.PredictProba([]float64{0, 0, 20})
	if err != nil {
		t.Fatal(err)
	}
	if p <= 0.5 {
		t.Errorf("Expected positive margin to give p > 0.5, got %v", p)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}
}

// stump is a single split on feature 0: leaf -1 below cond, +1 otherwise.
func stump(cond string) []byte {
	return []byte(fmt.Sprintf(`{
  "learner": {
    "feature_names": ["sin52"],
    "gradient_booster": {
      "name": "gbtree",
      "model": {
        "trees": [{
          "left_children": [1, -1, -1],
          "right_children": [2, -1, -1],
          "split_indices": [0, 0, 0],
          "split_conditions": [%s, -1, 1],
          "default_left": [1, 0, 0],
          "split_type": [0, 0, 0],
          "categories": []
        }]
      }
    },
    "learner_model_param": {"base_score": "5E-1", "num_class": "0", "num_feature": "1", "num_target": "1"},
    "objective": {"name": "binary:logistic"}
  }
}`, cond))
}

func TestSplitComparesInFloat32(t *testing.T) {
	for week := 1; week <= 52; week++ {
		angle := 2 * math.Pi * float64(week) / 52
		for _, x := range []float64{math.Sin(angle), math.Cos(angle)} {
			threshold := float32(x)
			forms := map[string]string{
				"shortest float32": strconv.FormatFloat(float64(threshold), 'g', -1, 32),
				"exact float32":    strconv.FormatFloat(float64(threshold), 'g', -1, 64),
			}
			for form, cond := range forms {
				b, err := Parse(stump(cond))
				if err != nil {
					t.Fatalf("Parse failed: %v", err)
				}
				m, err := b.PredictMargin([]float64{x})
				if err != nil {
					t.Fatal(err)
				}
				if m != 1 {
					t.Errorf("week %d x=%v cond=%s (%s): expected right leaf, got margin %v", week, x, cond, form, m)
				}
			}
		}
	}

	b, err := Parse(stump(strconv.FormatFloat(float64(float32(math.Sin(2*math.Pi*2/52))), 'g', -1, 32)))
	if err != nil {
		t.Fatal(err)
	}
	below := float64(math.Nextafter32(float32(math.Sin(2*math.Pi*2/52)), 0))
	if m, _ := b.PredictMargin([]float64{below}); m != -1 {
		t.Errorf("Expected value below threshold to go left, got margin %v", m)
	}
}
