package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		in   string
		code string
		ok   bool
	}{
		{"Ground", "03", true},
		{"  next   day  ", "01", true},
		{"UPS 2nd Day Air", "02", true},
		{"03", "03", true},
		{"teleport", "", false},
	}
	for _, tt := range tests {
		code, ok := Resolve(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.code, code, tt.in)
	}
}

func TestCatalogSorted(t *testing.T) {
	all := All()
	assert.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Code, all[i].Code)
	}
	assert.Equal(t, "UPS Ground", Name("03"))
}
