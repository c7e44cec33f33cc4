// Package neighborhoods loads the neighborhood GeoJSON served to map clients
// and makes sure every feature carries a stable id.
package neighborhoods

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrNotFound is returned when the GeoJSON file does not exist.
var ErrNotFound = errors.New("neighborhoods.geojson not found")

// idProperties are consulted in order when a feature has no top-level id.
var idProperties = []string{"neighborhood", "name", "nid"}

// Collection is a GeoJSON FeatureCollection. Members other than features are
// passed through untouched.
type Collection struct {
	doc      map[string]json.RawMessage
	features []map[string]json.RawMessage
	ids      []string
}

// Load reads and normalizes a GeoJSON file.
func Load(path string) (*Collection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read neighborhoods: %w", err)
	}
	return Parse(data)
}

// Parse normalizes a GeoJSON document.
func Parse(data []byte) (*Collection, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal neighborhoods: %w", err)
	}

	c := &Collection{doc: doc}
	if raw, ok := doc["features"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &c.features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}

	c.ids = make([]string, len(c.features))
	for i, f := range c.features {
		if f == nil {
			f = map[string]json.RawMessage{}
			c.features[i] = f
		}
		if raw, ok := f["id"]; ok {
			c.ids[i] = rawID(raw)
			continue
		}
		id := FeatureID(f)
		quoted, _ := json.Marshal(id)
		f["id"] = quoted
		c.ids[i] = id
	}
	return c, nil
}

// FeatureID derives the id for a feature without one: the first non-empty
// id property, else the first 8 hex digits of the SHA-1 of its geometry.
func FeatureID(f map[string]json.RawMessage) string {
	var props map[string]json.RawMessage
	if raw, ok := f["properties"]; ok {
		_ = json.Unmarshal(raw, &props)
	}
	for _, k := range idProperties {
		if id, ok := propertyID(props[k]); ok {
			return id
		}
	}

	geom, err := hashForm(f["geometry"])
	if err != nil {
		geom = f["geometry"]
	}
	sum := sha1.Sum(geom)
	return hex.EncodeToString(sum[:])[:8]
}

// IDs returns the feature ids in document order.
func (c *Collection) IDs() []string {
	return c.ids
}

// Len returns the number of features.
func (c *Collection) Len() int {
	return len(c.features)
}

// MarshalJSON encodes the normalized collection.
func (c *Collection) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.doc)+1)
	for k, v := range c.doc {
		out[k] = v
	}
	features := c.features
	if features == nil {
		features = []map[string]json.RawMessage{}
	}
	out["features"] = features
	return json.Marshal(out)
}

// propertyID accepts non-empty strings and non-zero numbers.
func propertyID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if f, err := n.Float64(); err == nil && f != 0 {
			return n.String(), true
		}
	}
	return "", false
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
