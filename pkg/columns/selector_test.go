package columns

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DropsDuplicates(t *testing.T) {
	s := New("a", "b", "a", "c", "b")

	assert.Equal(t, []string{"a", "b", "c"}, s.Names())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 1, s.IndexOf("b"))
	assert.Equal(t, -1, s.IndexOf("z"))
}

func TestSelector_ZeroValue(t *testing.T) {
	var s Selector

	assert.True(t, s.IsEmpty())
	assert.False(t, s.Contains("a"))
	assert.Equal(t, []string{"a"}, s.Union(New("a")).Names())
}

func TestSelector_SetOperations(t *testing.T) {
	left := New("a", "b", "c")
	right := New("c", "d", "a")

	tests := []struct {
		name     string
		got      Selector
		expected []string
	}{
		{name: "union keeps left order then new right names", got: left.Union(right), expected: []string{"a", "b", "c", "d"}},
		{name: "difference", got: left.Difference(right), expected: []string{"b"}},
		{name: "intersect keeps left order", got: left.Intersect(right), expected: []string{"a", "c"}},
		{name: "map", got: left.Map(strings.ToUpper), expected: []string{"A", "B", "C"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got.Names())
		})
	}

	assert.Equal(t, []string{"a", "c"}, left.Overlap(right))
}

func TestSelector_Immutable(t *testing.T) {
	s := New("a", "b")
	names := s.Names()
	names[0] = "mutated"

	assert.Equal(t, "a", s.At(0))
	_ = s.Union(New("x"))
	assert.Equal(t, 2, s.Len())
}

func TestSelector_Equal(t *testing.T) {
	assert.True(t, New("a", "b").Equal(New("a", "b")))
	assert.False(t, New("a", "b").Equal(New("b", "a")))
	assert.False(t, New("a").Equal(New("a", "b")))
	assert.Equal(t, "[a, b]", New("a", "b").String())
}
