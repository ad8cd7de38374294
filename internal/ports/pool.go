// Package ports allocates one TCP port per managed agent instance from a
// contiguous range. Allocations are held in memory; recovery seeds them from
// the orchestrator store before any new allocation runs.
package ports

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned by Allocate when every port in the range is taken.
var ErrExhausted = errors.New("port pool exhausted")

// ErrOutOfRange is returned by Reserve for a port outside the pool range.
var ErrOutOfRange = errors.New("port out of range")

// ErrConflict is returned by Reserve when the port is held by another instance.
var ErrConflict = errors.New("port already allocated")

// Allocation records one port grant.
type Allocation struct {
	Port        int
	InstanceID  string
	AllocatedAt time.Time
}

// Status summarizes pool occupancy.
type Status struct {
	Allocated int `json:"allocated"`
	Free      int `json:"free"`
	Total     int `json:"total"`
}

// Pool hands out ports from [start, start+size). Safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	start      int
	size       int
	byPort     map[int]*Allocation
	byInstance map[string]int
}

// NewPool creates a pool over [start, start+size).
func NewPool(start, size int) *Pool {
	return &Pool{
		start:      start,
		size:       size,
		byPort:     make(map[int]*Allocation),
		byInstance: make(map[string]int),
	}
}

// Allocate returns the lowest unused port in the range, scanning in ascending
// order. An instance that already holds a port gets the same port back.
func (p *Pool) Allocate(instanceID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byInstance[instanceID]; ok {
		return port, nil
	}

	for port := p.start; port < p.start+p.size; port++ {
		if _, taken := p.byPort[port]; taken {
			continue
		}
		p.grant(port, instanceID)
		return port, nil
	}
	return 0, ErrExhausted
}

// Reserve pins a specific port to an instance. Used during recovery so that
// restarted instances keep their persisted ports.
func (p *Pool) Reserve(port int, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port >= p.start+p.size {
		return fmt.Errorf("%w: %d not in [%d, %d)", ErrOutOfRange, port, p.start, p.start+p.size)
	}
	if existing, taken := p.byPort[port]; taken {
		if existing.InstanceID == instanceID {
			return nil
		}
		return fmt.Errorf("%w: %d held by %s", ErrConflict, port, existing.InstanceID)
	}
	// An instance re-reserving a different port drops its old one first.
	if old, ok := p.byInstance[instanceID]; ok {
		delete(p.byPort, old)
	}
	p.grant(port, instanceID)
	return nil
}

// Release frees a port regardless of owner.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if alloc, ok := p.byPort[port]; ok {
		delete(p.byInstance, alloc.InstanceID)
		delete(p.byPort, port)
	}
}

// ReleaseByInstance frees whatever port the instance holds.
func (p *Pool) ReleaseByInstance(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port, ok := p.byInstance[instanceID]; ok {
		delete(p.byPort, port)
		delete(p.byInstance, instanceID)
	}
}

// PortOf returns the port held by an instance, if any.
func (p *Pool) PortOf(instanceID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byInstance[instanceID]
	return port, ok
}

// Status reports pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Allocated: len(p.byPort),
		Free:      p.size - len(p.byPort),
		Total:     p.size,
	}
}

// grant must be called with p.mu held.
func (p *Pool) grant(port int, instanceID string) {
	p.byPort[port] = &Allocation{Port: port, InstanceID: instanceID, AllocatedAt: time.Now()}
	p.byInstance[instanceID] = port
}
