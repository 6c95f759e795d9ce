// Package models contains domain models for memforge.
package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

// JSONStringArray is a []string stored as a JSON array in a TEXT column.
type JSONStringArray []string

// Scan implements sql.Scanner.
func (a *JSONStringArray) Scan(value interface{}) error {
	if value == nil {
		*a = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for JSONStringArray: %T", value)
	}

	if len(data) == 0 {
		*a = nil
		return nil
	}

	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal JSONStringArray: %w", err)
	}
	*a = out
	return nil
}

// Value implements driver.Valuer.
func (a JSONStringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// JSONMap is a free-form JSON object stored in a TEXT column.
type JSONMap map[string]any

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}

	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal JSONMap: %w", err)
	}
	*m = out
	return nil
}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
