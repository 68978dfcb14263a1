// Package alloc manages the exclusive per-run resources: run identity,
// worktree directories, and the backend/frontend port pool.
package alloc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhq/adw/internal/adwerrors"
	"github.com/devflowhq/adw/internal/config"
	"github.com/devflowhq/adw/internal/util"
)

// NewRunID returns a short opaque run identifier, globally unique
// across history.
func NewRunID() string {
	return "adw-" + strings.Split(uuid.NewString(), "-")[0] + "-" +
		fmt.Sprintf("%x", time.Now().UTC().Unix())
}

// Lease is one run's exclusive resource grant.
type Lease struct {
	RunID        string    `json:"run_id"`
	WorktreePath string    `json:"worktree_path"`
	BackendPort  int       `json:"backend_port"`
	FrontendPort int       `json:"frontend_port"`
	AllocatedAt  time.Time `json:"allocated_at"`
}

// Allocator hands out port pairs and worktree paths. A single mutex
// serializes the whole pool; allocations are persisted so they survive
// restarts.
type Allocator struct {
	mu           sync.Mutex
	path         string
	worktreeBase string
	backend      config.PortRange
	frontend     config.PortRange
	leases       map[string]*Lease
}

// New creates an allocator persisting to path (port_allocations.json)
// and loads any leases recorded by a previous process.
func New(path, worktreeBase string, backend, frontend config.PortRange) (*Allocator, error) {
	a := &Allocator{
		path:         path,
		worktreeBase: worktreeBase,
		backend:      backend,
		frontend:     frontend,
		leases:       make(map[string]*Lease),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Allocate reserves a free port pair and a worktree path for the run.
// Repeat calls for a live run return the existing lease. Returns
// adwerrors.ErrNoResources when the pool is exhausted.
func (a *Allocator) Allocate(runID string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lease, ok := a.leases[runID]; ok {
		return lease, nil
	}

	backendPort, ok := a.freePort(a.backend, func(l *Lease) int { return l.BackendPort })
	if !ok {
		return nil, adwerrors.ErrNoResources
	}
	frontendPort, ok := a.freePort(a.frontend, func(l *Lease) int { return l.FrontendPort })
	if !ok {
		return nil, adwerrors.ErrNoResources
	}

	lease := &Lease{
		RunID:        runID,
		WorktreePath: filepath.Join(a.worktreeBase, runID),
		BackendPort:  backendPort,
		FrontendPort: frontendPort,
		AllocatedAt:  time.Now().UTC(),
	}
	a.leases[runID] = lease

	if err := a.persist(); err != nil {
		delete(a.leases, runID)
		return nil, err
	}
	return lease, nil
}

// Release frees the run's resources. Idempotent: releasing an unknown
// run succeeds without side effect.
func (a *Allocator) Release(runID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.leases[runID]; !ok {
		return nil
	}
	delete(a.leases, runID)
	return a.persist()
}

// Lookup returns the run's lease, if any.
func (a *Allocator) Lookup(runID string) (*Lease, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lease, ok := a.leases[runID]
	return lease, ok
}

// Leases returns a snapshot of all live leases.
func (a *Allocator) Leases() []*Lease {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Lease, 0, len(a.leases))
	for _, l := range a.leases {
		out = append(out, l)
	}
	return out
}

func (a *Allocator) freePort(r config.PortRange, portOf func(*Lease) int) (int, bool) {
	for port := r.Start; port <= r.End; port++ {
		taken := false
		for _, lease := range a.leases {
			if portOf(lease) == port {
				taken = true
				break
			}
		}
		if !taken {
			return port, true
		}
	}
	return 0, false
}

type poolFile struct {
	Allocations map[string]*Lease `json:"allocations"`
}

func (a *Allocator) load() error {
	data, err := os.ReadFile(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read port allocations: %w", err)
	}

	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse port allocations: %w", err)
	}
	if pf.Allocations != nil {
		a.leases = pf.Allocations
	}
	return nil
}

func (a *Allocator) persist() error {
	data, err := json.MarshalIndent(poolFile{Allocations: a.leases}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode port allocations: %w", err)
	}
	if err := util.AtomicWriteFile(a.path, data, 0644); err != nil {
		return fmt.Errorf("write port allocations: %w", err)
	}
	return nil
}
