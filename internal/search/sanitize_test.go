package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFTSQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"plain words", "database migration", "database OR migration"},
		{"quotes and wildcards", `fix "WAL" mode*`, "fix OR WAL OR mode"},
		{"operators dropped", "a AND b NOT c", "a OR b OR c"},
		{"near group", "NEAR(x y)", "x OR y"},
		{"lowercase keywords are terms", "this and that", "this OR and OR that"},
		{"punctuation splits", "foo-bar:baz", "foo OR bar OR baz"},
		{"duplicates ignore case", "Go go GO", "Go"},
		{"underscores kept", "snake_case ids", "snake_case OR ids"},
		{"unicode letters kept", "café naïve", "café OR naïve"},
		{"only punctuation", "!!! ()", ""},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFTSQuery(tt.query))
		})
	}
}
