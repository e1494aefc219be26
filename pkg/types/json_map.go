package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is an open string-keyed document stored in a jsonb column.
// Pipeline stages merge their own keys into it without touching the rest.
type JSONMap map[string]any

// Value serializes the map for Postgres jsonb storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("jsonmap: marshal: %w", err)
	}
	return data, nil
}

// Scan accepts jsonb bytes or text returned by the database.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonmap: unsupported scan type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("jsonmap: unmarshal: %w", err)
	}
	*m = out
	return nil
}

// Clone returns a shallow copy so callers can merge without aliasing.
func (m JSONMap) Clone() JSONMap {
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SubMap returns the nested map stored at key, or nil when absent or not a map.
func (m JSONMap) SubMap(key string) JSONMap {
	if m == nil {
		return nil
	}
	switch v := m[key].(type) {
	case JSONMap:
		return v
	case map[string]any:
		return JSONMap(v)
	default:
		return nil
	}
}

// Int reads an integer-ish value stored at key, returning fallback when missing.
// jsonb round-trips numbers as float64, so both forms are accepted.
func (m JSONMap) Int(key string, fallback int) int {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		return fallback
	default:
		return fallback
	}
}

// Float reads a numeric value stored at key, returning fallback when missing.
func (m JSONMap) Float(key string, fallback float64) float64 {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return fallback
	default:
		return fallback
	}
}

// String reads a string value stored at key, returning "" when missing.
func (m JSONMap) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
