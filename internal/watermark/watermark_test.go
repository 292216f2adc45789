package watermark

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddConsecutive(t *testing.T) {
	w := New(0)
	for i := int64(1); i <= 5; i++ {
		w.Add(i)
	}
	assert.Equal(t, int64(5), w.Min())
}

func TestAddOutOfOrder(t *testing.T) {
	w := New(10)

	w.Add(13)
	assert.Equal(t, int64(10), w.Min())

	w.Add(11)
	assert.Equal(t, int64(11), w.Min())

	w.Add(12)
	assert.Equal(t, int64(13), w.Min())
}

func TestAddPermutations(t *testing.T) {
	// any permutation of (a, a+n] must land on a+n
	for seed := int64(0); seed < 20; seed++ {
		w := New(100)
		perm := rand.New(rand.NewSource(seed)).Perm(50)
		for _, p := range perm {
			w.Add(101 + int64(p))
		}
		assert.Equal(t, int64(150), w.Min(), "seed %d", seed)
	}
}

func TestAddStrictSubset(t *testing.T) {
	w := New(0)
	for _, id := range []int64{1, 2, 3, 5, 6, 9} {
		w.Add(id)
	}
	// largest consecutive run from 1
	assert.Equal(t, int64(3), w.Min())
}

func TestAddIgnoresDuplicatesAndOld(t *testing.T) {
	w := New(5)
	w.Add(3)
	w.Add(5)
	assert.Equal(t, int64(5), w.Min())

	w.Add(7)
	w.Add(7)
	w.Add(6)
	assert.Equal(t, int64(7), w.Min())
}

func TestSetMin(t *testing.T) {
	w := New(0)
	w.Add(3)
	w.Add(5)

	w.SetMin(2)
	assert.Equal(t, int64(3), w.Min(), "raising the floor closes the gap up to 3")

	w.Add(4)
	assert.Equal(t, int64(5), w.Min())

	w.SetMin(1)
	assert.Equal(t, int64(5), w.Min(), "lowering the floor is a no-op")
}
