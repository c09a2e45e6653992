// Package groups manages the device-grouping forest and guards its parent
// relation against cycles.
package groups

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tracklabs/trackd/internal/model"
)

// ErrGroupCycle rejects a group write whose parent chain would revisit a
// node.
var ErrGroupCycle = errors.New("cycle in group hierarchy")

// Store is the persistence boundary for groups.
type Store interface {
	Groups() ([]*model.Group, error)
	InsertGroup(group *model.Group) error
	UpdateGroup(group *model.Group) error
}

// Config supplies the group manager's collaborators.
type Config struct {
	Logger *slog.Logger
	Store  Store
}

// Validate enforces constraints for Config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

// Manager caches the group forest in memory and applies the cycle guard
// synchronously with every write: persistence happens only when the check
// passes.
type Manager struct {
	log   *slog.Logger
	store Store

	mu        sync.Mutex
	items     map[int64]*model.Group
	refreshed bool
}

// NewManager constructs a group manager. The cache starts cold and fills
// lazily on first access.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating groups config: %v", err)
	}
	return &Manager{
		log:   cfg.Logger,
		store: cfg.Store,
		items: make(map[int64]*model.Group),
	}, nil
}

// ByID returns the cached group with the given id, or nil.
func (m *Manager) ByID(groupID int64) *model.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[groupID]
}

// All returns the ids of every known group. An empty result on first access
// triggers a one-shot refresh from storage; later empty results are returned
// as-is, since emptiness is only ambiguous at cold start.
func (m *Manager) All() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 && !m.refreshed {
		if err := m.refreshLocked(); err != nil {
			m.log.Warn("groups: refresh error", "error", err)
		}
	}
	ids := make([]int64, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	return ids
}

// Refresh reloads the cache from storage.
func (m *Manager) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked()
}

func (m *Manager) refreshLocked() error {
	groups, err := m.store.Groups()
	if err != nil {
		return fmt.Errorf("error loading groups: %v", err)
	}
	m.items = make(map[int64]*model.Group, len(groups))
	for _, g := range groups {
		m.items[g.ID] = g
	}
	m.refreshed = true
	return nil
}

// Add inserts a new group after the cycle check passes.
func (m *Manager) Add(group *model.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCyclesLocked(group); err != nil {
		return err
	}
	if err := m.store.InsertGroup(group); err != nil {
		return fmt.Errorf("error inserting group: %v", err)
	}
	m.items[group.ID] = group
	return nil
}

// Update rewrites an existing group after the cycle check passes. On
// rejection the cached state is unchanged.
func (m *Manager) Update(group *model.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkCyclesLocked(group); err != nil {
		return err
	}
	if err := m.store.UpdateGroup(group); err != nil {
		return fmt.Errorf("error updating group: %v", err)
	}
	m.items[group.ID] = group
	return nil
}

// checkCyclesLocked walks the parent chain from the candidate into a visited
// set seeded with the candidate's own id. Revisiting any id rejects the
// write; the walk ends when a parent resolves to nothing. Caller holds m.mu.
func (m *Manager) checkCyclesLocked(group *model.Group) error {
	visited := make(map[int64]struct{})
	for group != nil {
		if _, ok := visited[group.ID]; ok {
			return ErrGroupCycle
		}
		visited[group.ID] = struct{}{}
		group = m.items[group.GroupID]
	}
	return nil
}
