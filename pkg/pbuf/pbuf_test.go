package pbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlloc_InitialInvariant(t *testing.T) {
	b, err := Alloc(100, 16, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, b.Invariant())
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 16, b.Headroom())
}

func TestPutTail_PushHead_PullHead_PreserveCapacity(t *testing.T) {
	b, err := Alloc(100, 16, PriorityNormal)
	require.NoError(t, err)
	origEnd := b.end

	payload := b.PutTail(50)
	require.Len(t, payload, 50)
	assert.True(t, b.Invariant())
	assert.Equal(t, 50, b.Len())

	hdr := b.PushHead(8)
	require.Len(t, hdr, 8)
	assert.True(t, b.Invariant())
	assert.Equal(t, 58, b.Len())

	consumed := b.PullHead(8)
	require.Len(t, consumed, 8)
	assert.True(t, b.Invariant())
	assert.Equal(t, 50, b.Len())

	assert.Equal(t, origEnd, b.end, "end must never move")
}

func TestTrim(t *testing.T) {
	b, err := Alloc(100, 0, PriorityNormal)
	require.NoError(t, err)
	b.PutTail(80)
	b.Trim(30)
	assert.Equal(t, 30, b.Len())
	assert.True(t, b.Invariant())

	b.Trim(-5)
	assert.Equal(t, 0, b.Len())

	b.Trim(1000)
	assert.Equal(t, 0, b.Len(), "trim cannot grow the buffer")
}

func TestPutTail_OverflowClamped(t *testing.T) {
	b, err := Alloc(16, 0, PriorityNormal)
	require.NoError(t, err)
	room := b.Tailroom()
	got := b.PutTail(room + 1000)
	assert.Len(t, got, room)
	assert.True(t, b.Invariant())
}

func TestClone_SharesRegionAndRefusesExtend(t *testing.T) {
	b, err := Alloc(100, 16, PriorityNormal)
	require.NoError(t, err)
	b.PutTail(20)
	copy(b.Bytes(), []byte("hello world ok data!"))

	clone := b.Clone()
	assert.Equal(t, b.Bytes(), clone.Bytes())

	// Mutating through the original is visible via the clone (shared region).
	b.Bytes()[0] = 'X'
	assert.Equal(t, byte('X'), clone.Bytes()[0])

	// Extending the clone's data area is refused.
	got := clone.PutTail(5)
	assert.Nil(t, got)
	assert.Equal(t, 20, clone.Len())

	got = clone.PushHead(4)
	assert.Nil(t, got)
}

func TestCopy_IsIndependent(t *testing.T) {
	b, err := Alloc(100, 16, PriorityNormal)
	require.NoError(t, err)
	b.PutTail(10)
	copy(b.Bytes(), []byte("0123456789"))

	cp, err := b.Copy()
	require.NoError(t, err)
	assert.Equal(t, b.Bytes(), cp.Bytes())

	b.Bytes()[0] = 'Z'
	assert.NotEqual(t, byte('Z'), cp.Bytes()[0])

	// Copy is not cloned, so it may freely extend.
	got := cp.PutTail(5)
	assert.Len(t, got, 5)
}

func TestHeaderOffsets(t *testing.T) {
	b, err := Alloc(64, 14, PriorityNormal)
	require.NoError(t, err)
	assert.False(t, b.MACHeaderSet())

	b.ResetMACHeader()
	assert.True(t, b.MACHeaderSet())
	b.PutTail(20)
	assert.Len(t, b.MACHeader(), 20)
}

func TestFree_DestructorRunsOnlyOnLastRef(t *testing.T) {
	b, err := Alloc(64, 0, PriorityNormal)
	require.NoError(t, err)
	var ran int
	b.Destructor = func(*Buffer) { ran++ }

	clone := b.Clone()
	b.Free()
	assert.Equal(t, 0, ran, "destructor must not run while a clone still holds the region")

	clone.Destructor = func(*Buffer) { ran++ }
	clone.Free()
	assert.Equal(t, 1, ran)
}

func TestGetPut_Refcount(t *testing.T) {
	b, err := Alloc(64, 0, PriorityNormal)
	require.NoError(t, err)
	b.Get()
	b.Put()
	b.Put() // second Put drives refcount to zero and frees
}

func TestPoolStats_HitsAndMisses(t *testing.T) {
	p := NewPool()
	classes, _ := p.Stats()
	var small ClassStats
	for _, c := range classes {
		if c.Size == ClassSmall {
			small = c
		}
	}
	require.Equal(t, uint64(0), small.Hits)

	b, err := p.Alloc(50, 0, PriorityNormal)
	require.NoError(t, err)
	b.Free()

	classes, _ = p.Stats()
	for _, c := range classes {
		if c.Size == ClassSmall {
			small = c
		}
	}
	assert.GreaterOrEqual(t, small.Hits, uint64(1))
}

func TestAlloc_LargerThanEveryClassFallsBackToHeap(t *testing.T) {
	p := NewPool()
	b, err := p.Alloc(ClassLarge+1, 0, PriorityNormal)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b.Tailroom()+b.Len(), ClassLarge+1)
	_, heap := p.Stats()
	assert.GreaterOrEqual(t, heap, uint64(1))
}
