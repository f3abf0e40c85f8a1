package workerpool

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"

	"github.com/os2200/jdbcsrv/internal/metrics"
	"github.com/os2200/jdbcsrv/internal/sgs"
)

// Pool is the bounded Server Worker pool (spec.md §4.2). It owns the free
// and assigned chains and keeps the SGS pool-control counters in sync with
// every transition.
type Pool struct {
	free     chain
	assigned chain
	sgs      *sgs.SGS
}

// New allocates size WDEs and links them all onto the free chain, matching
// "allocated at startup (size = max-workers configured)".
func New(size int, s *sgs.SGS) *Pool {
	p := &Pool{sgs: s}
	for i := size; i >= 1; i-- {
		p.free.pushFront(newWDE(i))
	}
	metrics.WorkersFree.Add(float64(size))
	return p
}

// Acquire dequeues a WDE from the free chain, populates it with the new
// connection, and enqueues it onto the assigned chain (spec.md's
// "Assignment discipline"). Returns (nil, false) if no worker is free.
func (p *Pool) Acquire(conn net.Conn, mode byte, clientIP string) (*WDE, bool) {
	w := p.free.popFront()
	if w == nil {
		return nil, false
	}
	p.sgs.FreeCount.Add(-1)

	w.reset()
	w.Conn = conn
	w.TransportMode = mode
	w.identity.mu.Lock()
	w.identity.ip = clientIP
	w.identity.mu.Unlock()
	now := time.Now()
	w.StampFirstRequest(now)
	w.WorkingOnAClient.Store(true)

	p.assigned.pushFront(w)
	p.sgs.AssignedCount.Add(1)
	p.sgs.AssignCounter.Add(1)
	p.sgs.TotalClients.Add(1)
	metrics.WorkersAssigned.Inc()
	metrics.WorkersFree.Dec()
	metrics.ClientsTotal.Inc()
	return w, true
}

// Release is the mirror of Acquire: the client ended normally or the
// worker finished a graceful shutdown. The WDE is unlinked from the
// assigned chain, reset, and returned to the free chain.
func (p *Pool) Release(w *WDE) {
	p.assigned.remove(w)
	p.sgs.AssignedCount.Add(-1)
	metrics.WorkersAssigned.Dec()

	w.reset()
	p.free.pushFront(w)
	p.sgs.FreeCount.Add(1)
	metrics.WorkersFree.Inc()
}

// Drain removes w from the assigned chain permanently: it does not return
// to the free chain. This is the "shutdown-immediately received mid-task"
// terminal transition in spec.md §4.2's state diagram — the pool's total
// count is preserved (spec.md §8 invariant 1) by moving the worker into
// the shutdown bucket instead of discarding it.
func (p *Pool) Drain(w *WDE) {
	p.assigned.remove(w)
	p.sgs.AssignedCount.Add(-1)
	p.sgs.ShutdownCount.Add(1)
	metrics.WorkersAssigned.Dec()
	metrics.WorkersShutdown.Inc()
}

// FindByID walks the assigned chain for a WDE with the given worker ID
// (WDE.ID, numbered 1..size). It does not look up socket identifiers.
func (p *Pool) FindByID(id int) *WDE {
	var found *WDE
	p.assigned.forEach(func(w *WDE) bool {
		if w.ID == id {
			found = w
			return false
		}
		return true
	})
	return found
}

// FindByThreadName walks the assigned chain for a WDE whose RDMS thread
// name matches.
func (p *Pool) FindByThreadName(name string) *WDE {
	var found *WDE
	p.assigned.forEach(func(w *WDE) bool {
		if w.Identity().RDMSThread == name {
			found = w
			return false
		}
		return true
	})
	return found
}

// ForEachAssigned walks every currently-assigned WDE. f must not block.
func (p *Pool) ForEachAssigned(f func(*WDE)) {
	p.assigned.forEach(func(w *WDE) bool { f(w); return true })
}

// CloseAll force-closes every currently-assigned connection, aggregating
// every close error into a single one instead of stopping at the first
// failure — the ABORT path (spec.md §4.4) tears down every worker's
// connection at once and wants to report all of them, not just the
// first one encountered while walking the chain.
func (p *Pool) CloseAll() error {
	var err error
	p.assigned.forEach(func(w *WDE) bool {
		if w.Conn != nil {
			err = multierr.Append(err, w.Conn.Close())
		}
		return true
	})
	return err
}

// AssignedCount returns the number of currently assigned workers. Exposed
// for tests and console DISPLAY STATUS.
func (p *Pool) AssignedCount() int { return p.assigned.len() }

// FreeCount returns the number of currently free workers.
func (p *Pool) FreeCount() int { return p.free.len() }

// String renders a short pool summary for console/log output.
func (p *Pool) String() string {
	return fmt.Sprintf("free=%d assigned=%d shutdown=%d max=%d",
		p.FreeCount(), p.AssignedCount(), p.sgs.ShutdownCount.Load(), p.sgs.MaxWorkers)
}
