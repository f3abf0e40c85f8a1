package sgs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSGS(t *testing.T) *SGS {
	t.Helper()
	return New(Identity{ServerName: "TESTSRV"}, ListenerConfig{Port: 8123}, 4)
}

func TestNew_GeneratesRunID(t *testing.T) {
	s := newTestSGS(t)
	require.NotEmpty(t, s.Identity.RunID)
	assert.Equal(t, s.Identity.RunID, s.Identity.OriginalRunID)
}

func TestTransitionTo_Monotonic(t *testing.T) {
	s := newTestSGS(t)
	assert.True(t, s.TransitionTo(ShuttingDownGracefully))
	assert.False(t, s.TransitionTo(Active), "must never move backwards")
	assert.True(t, s.TransitionTo(ShuttingDownImmediately))
	assert.False(t, s.TransitionTo(ShuttingDownGracefully))
	assert.True(t, s.TransitionTo(Terminated))
}

func TestPostedValues_ConsumedNotCleared(t *testing.T) {
	s := newTestSGS(t)
	s.PostedReceiveTimeout.Store(5000)

	d, ok := s.ApplyPostedReceiveTimeout()
	require.True(t, ok)
	assert.Equal(t, int64(5000), d.Milliseconds())

	// Posted fields are not cleared by applying them (spec.md §4.1): every
	// active ICL must be able to apply the same posted value.
	d2, ok2 := s.ApplyPostedReceiveTimeout()
	require.True(t, ok2)
	assert.Equal(t, d, d2)
}

func TestPoolAccountingOK(t *testing.T) {
	s := newTestSGS(t)
	assert.True(t, s.PoolAccountingOK())

	s.FreeCount.Add(-1)
	s.AssignedCount.Add(1)
	assert.True(t, s.PoolAccountingOK())

	s.ShutdownCount.Add(1)
	assert.False(t, s.PoolAccountingOK())
}

func TestLastICLError(t *testing.T) {
	s := newTestSGS(t)
	assert.Empty(t, s.LastICLError(0))
	s.SetLastICLError(0, "transport-down")
	assert.Equal(t, "transport-down", s.LastICLError(0))
}

func TestICLSlot_ShutdownMonotonicAndPassEvent(t *testing.T) {
	s := New(Identity{ServerName: "TESTSRV"}, ListenerConfig{Port: 8123, Specs: []ListenSpec{{Mode: 'T'}}}, 4)
	require.Len(t, s.ICLs, 1)

	slot := s.ICLs[0]
	assert.Equal(t, Active, slot.ShutdownState())
	assert.True(t, slot.RequestShutdown(ShuttingDownGracefully))
	assert.False(t, slot.RequestShutdown(Active))

	slot.PassEvent()
	slot.PassEvent() // second call must not block even though the first is unconsumed
	select {
	case <-slot.Wake():
	default:
		t.Fatal("expected a pending wake-up")
	}

	s.PassEventAll()
	select {
	case <-slot.Wake():
	default:
		t.Fatal("PassEventAll should have woken the slot")
	}
}
