package workerpool

import (
	"net"
	"testing"

	"github.com/os2200/jdbcsrv/internal/sgs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, size int) (*Pool, *sgs.SGS) {
	t.Helper()
	s := sgs.New(sgs.Identity{ServerName: "T"}, sgs.ListenerConfig{}, size)
	return New(size, s), s
}

func TestAcquireRelease_PoolAccounting(t *testing.T) {
	p, s := newTestPool(t, 2)
	require.True(t, s.PoolAccountingOK())

	w1, ok := p.Acquire(nil, 'T', "127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 1, p.AssignedCount())
	assert.Equal(t, 1, p.FreeCount())
	assert.True(t, s.PoolAccountingOK())

	w2, ok := p.Acquire(nil, 'T', "127.0.0.2")
	require.True(t, ok)
	assert.Equal(t, 2, p.AssignedCount())
	assert.Equal(t, 0, p.FreeCount())

	_, ok = p.Acquire(nil, 'T', "127.0.0.3")
	assert.False(t, ok, "pool exhausted, no third worker available")

	p.Release(w1)
	assert.Equal(t, 1, p.AssignedCount())
	assert.Equal(t, 1, p.FreeCount())
	assert.True(t, s.PoolAccountingOK())

	p.Release(w2)
	assert.Equal(t, 0, p.AssignedCount())
	assert.Equal(t, 2, p.FreeCount())
}

func TestDrain_MovesToShutdownBucketPermanently(t *testing.T) {
	p, s := newTestPool(t, 2)
	w, _ := p.Acquire(nil, 'T', "127.0.0.1")

	p.Drain(w)
	assert.Equal(t, 0, p.AssignedCount())
	assert.Equal(t, int64(1), s.ShutdownCount.Load())
	assert.True(t, s.PoolAccountingOK(), "drained worker must still count toward max")

	// A drained WDE is not returned to the free chain.
	assert.Equal(t, 1, p.FreeCount())
}

func TestFindByID(t *testing.T) {
	p, _ := newTestPool(t, 2)
	w, _ := p.Acquire(nil, 'T', "127.0.0.1")

	found := p.FindByID(w.ID)
	require.NotNil(t, found)
	assert.Same(t, w, found)

	assert.Nil(t, p.FindByID(9999))
}

func TestFindByThreadName(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, _ := p.Acquire(nil, 'T', "127.0.0.1")
	w.SetRDMSThreadName("RDMS01")

	found := p.FindByThreadName("RDMS01")
	require.NotNil(t, found)
	assert.Equal(t, w.ID, found.ID)
	assert.Nil(t, p.FindByThreadName("NOPE"))
}

func TestReset_ClearsIdentityAcrossReuse(t *testing.T) {
	p, _ := newTestPool(t, 1)
	w, _ := p.Acquire(nil, 'T', "127.0.0.1")
	w.SetClientIdentity("alice", "en_US", "127.0.0.1", "host1")
	w.SetRDMSThreadName("RDMS01")
	p.Release(w)

	w2, ok := p.Acquire(nil, 'T', "127.0.0.2")
	require.True(t, ok)
	assert.Same(t, w, w2, "single-slot pool must reuse the same WDE")
	id := w2.Identity()
	assert.Empty(t, id.UserID)
	assert.Empty(t, id.RDMSThread)
	assert.Equal(t, "127.0.0.2", id.IP)
}

func TestCloseAll_ClosesEveryAssignedConnection(t *testing.T) {
	p, _ := newTestPool(t, 2)

	c1, s1 := net.Pipe()
	defer c1.Close()
	c2, s2 := net.Pipe()
	defer c2.Close()

	_, ok := p.Acquire(s1, 'T', "1")
	require.True(t, ok)
	_, ok = p.Acquire(s2, 'T', "2")
	require.True(t, ok)

	require.NoError(t, p.CloseAll())

	// Both server-side halves are now closed: further writes fail.
	_, err := s1.Write([]byte("x"))
	assert.Error(t, err)
	_, err = s2.Write([]byte("x"))
	assert.Error(t, err)
}

func TestForEachAssigned(t *testing.T) {
	p, _ := newTestPool(t, 3)
	w1, _ := p.Acquire(nil, 'T', "1")
	w2, _ := p.Acquire(nil, 'T', "2")

	seen := map[int]bool{}
	p.ForEachAssigned(func(w *WDE) { seen[w.ID] = true })
	assert.True(t, seen[w1.ID])
	assert.True(t, seen[w2.ID])
	assert.Len(t, seen, 2)
}
