package etl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   *string
		want string
	}{
		{nil, ""},
		{strPtr(""), ""},
		{strPtr("  chrome "), "CHROME"},
		{strPtr("Samsung Internet"), "SAMSUNG INTERNET"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestNaturalKeyRoundTrip(t *testing.T) {
	key := NaturalKey("MOVIL", "", "ANDROID")
	assert.Equal(t, []string{"MOVIL", "", "ANDROID"}, SplitKey(key))
	assert.NotEqual(t, NaturalKey("A B", "C"), NaturalKey("A", "B C"))
}

func TestArenaAssignMissing(t *testing.T) {
	a := NewArena()
	a.Seed("CHROME", 1)
	a.Seed("FIREFOX", 4)

	assigned := a.AssignMissing([]string{"SAFARI", "CHROME", "EDGE", "SAFARI", "BRAVE"})
	assert.Equal(t, map[string]int{"BRAVE": 5, "EDGE": 6, "SAFARI": 7}, assigned,
		"new keys follow max in natural-key order")

	key, ok := a.Lookup("CHROME")
	assert.True(t, ok)
	assert.Equal(t, 1, key, "existing keys never change")

	assert.Empty(t, a.AssignMissing([]string{"EDGE", "CHROME"}))
	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 7, a.Max())
}

func TestArenaSeedMax(t *testing.T) {
	a := NewArena()
	a.SeedMax(100)
	a.Seed("S-1", 3)

	assigned := a.AssignMissing([]string{"S-2"})
	assert.Equal(t, 101, assigned["S-2"])

	_, ok := a.Lookup("S-3")
	assert.False(t, ok)
}
