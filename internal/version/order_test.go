package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareBasic(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0-1", "1.0-2", -1},
		{"1.0-1", "1.0-1", 0},
		{"2.0-1", "1.0-1", 1},
		{"1.0.1-1", "1.0-1", 1},
		{"1.0-1", "1.0", 1},  // R="" sorts before R="1"
		{"1.0a-1", "1.0-1", 1}, // longer V sequence on a shared prefix wins
	}
	for _, c := range cases {
		got := Compare(Parse(c.a), Parse(c.b))
		assert.Equalf(t, c.want, got, "Compare(%q, %q)", c.a, c.b)
	}
}

func TestLeadingZerosStripped(t *testing.T) {
	assert.True(t, Equal(Parse("1.01-1"), Parse("1.1-1")))
	assert.True(t, Equal(Parse("1.001-1"), Parse("1.1-1")))
}

func TestLongerSequenceWinsOnSharedPrefix(t *testing.T) {
	// "1.0pre-1" vs "1.0-1": at the third token position, "pre" is a
	// non-digit run with nothing on the other side (shorter sequence);
	// since all previous tokens matched, the longer sequence wins.
	assert.True(t, Less(Parse("1.0-1"), Parse("1.0pre-1")))
}

func TestNonDigitSortsBeforeDigitSamePosition(t *testing.T) {
	// constructing two sequences that diverge at the same index with one
	// alpha, one digit run
	assert.True(t, Less(Parse("1.a-1"), Parse("1.1-1")))
}

func TestTotalOrder(t *testing.T) {
	a, b, c := Parse("1.0-1"), Parse("1.0-2"), Parse("1.0-3")
	assert.True(t, Less(a, b))
	assert.True(t, Less(b, c))
	assert.True(t, Less(a, c))
}

func TestSort(t *testing.T) {
	vs := []SetupVersion{Parse("2.0-1"), Parse("1.0-1"), Parse("1.5-1")}
	Sort(vs)
	assert.Equal(t, []string{"1.0-1", "1.5-1", "2.0-1"}, []string{vs[0].String(), vs[1].String(), vs[2].String()})
}

func TestMax(t *testing.T) {
	vs := []SetupVersion{Parse("1.0-1"), Parse("2.0-1"), Parse("1.9-3")}
	assert.Equal(t, "2.0-1", Max(vs).String())
}
