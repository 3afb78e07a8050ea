package calmerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorAddNil(t *testing.T) {
	var c Collector
	c.Add(nil)
	assert.True(t, c.OK())
	assert.NoError(t, c.Err())
}

func TestCollectorAddf(t *testing.T) {
	var c Collector
	c.Addf("plain message")
	c.Addf("formatted %d", 42)
	assert.False(t, c.OK())
	assert.Len(t, c.Errors, 2)
	assert.EqualError(t, c.Errors[0].Err, "plain message")
	assert.EqualError(t, c.Errors[1].Err, "formatted 42")
}

func TestCollectorAttribution(t *testing.T) {
	var c Collector
	c.AddAttributed("jturney", "foo", errors.New("bad hint"))
	assert.Equal(t, "jturney", c.Errors[0].Maint)
	assert.Equal(t, "foo", c.Errors[0].Package)
}

func TestCollectorExtend(t *testing.T) {
	var a, b Collector
	a.Addf("a1")
	b.Addf("b1")
	b.Addf("b2")
	a.Extend(&b)
	assert.Len(t, a.Errors, 3)
}

func TestCollectorErrSingular(t *testing.T) {
	var c Collector
	c.Addf("only one")
	assert.EqualError(t, c.Err(), "only one")
}
