package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradeflow/internal/domain"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process maps. It backs tests and
// paper-mode runs that don't need persistence.
type MemoryStore struct {
	mu         sync.RWMutex
	orders     map[string]*domain.Order
	children   map[string][]domain.ChildOrder // keyed by parent ID
	executions map[string]*domain.Execution
	byOrder    map[string][]string // order ID → execution IDs
	portfolios map[string]*domain.Portfolio
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:     make(map[string]*domain.Order),
		children:   make(map[string][]domain.ChildOrder),
		executions: make(map[string]*domain.Execution),
		byOrder:    make(map[string][]string),
		portfolios: make(map[string]*domain.Portfolio),
	}
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a new order.
func (m *MemoryStore) SaveOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

// GetOrder retrieves an order by ID.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateOrder persists changes to an existing order.
func (m *MemoryStore) UpdateOrder(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return domain.ErrOrderNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

// ListOrders returns orders matching the filter, oldest first.
func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Order
	for _, o := range m.orders {
		if f.PortfolioID != "" && o.PortfolioID != f.PortfolioID {
			continue
		}
		if f.Symbol != "" && o.Symbol != f.Symbol {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveChildren inserts the planned child orders for a parent.
func (m *MemoryStore) SaveChildren(_ context.Context, children []domain.ChildOrder) error {
	if len(children) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	parent := children[0].ParentID
	m.children[parent] = append(m.children[parent], children...)
	return nil
}

// UpdateChild persists changes to one child order.
func (m *MemoryStore) UpdateChild(_ context.Context, c *domain.ChildOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	siblings := m.children[c.ParentID]
	for i := range siblings {
		if siblings[i].ID == c.ID {
			siblings[i] = *c
			return nil
		}
	}
	return fmt.Errorf("child %s not found", c.ID)
}

// ListChildren returns a parent's children in sequence order.
func (m *MemoryStore) ListChildren(_ context.Context, parentID string) ([]domain.ChildOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ChildOrder, len(m.children[parentID]))
	copy(out, m.children[parentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ---------------------------------------------------------------------------
// ExecutionStore implementation
// ---------------------------------------------------------------------------

// SaveExecution appends a fill.
func (m *MemoryStore) SaveExecution(_ context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveExecutionLocked(e)
}

func (m *MemoryStore) saveExecutionLocked(e *domain.Execution) error {
	if _, exists := m.executions[e.ID]; exists {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	cp := *e
	m.executions[e.ID] = &cp
	m.byOrder[e.OrderID] = append(m.byOrder[e.OrderID], e.ID)
	return nil
}

// HasExecution reports whether a fill with this ID was already applied.
func (m *MemoryStore) HasExecution(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.executions[id]
	return ok, nil
}

// ListExecutions returns an order's fills ordered by execution time.
func (m *MemoryStore) ListExecutions(_ context.Context, orderID string) ([]domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Execution
	for _, id := range m.byOrder[orderID] {
		out = append(out, *m.executions[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// PortfolioStore implementation
// ---------------------------------------------------------------------------

// GetPortfolio loads a portfolio with its positions.
func (m *MemoryStore) GetPortfolio(_ context.Context, id string) (*domain.Portfolio, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pf, ok := m.portfolios[id]
	if !ok {
		return nil, domain.ErrPortfolioNotFound
	}
	return copyPortfolio(pf), nil
}

// SavePortfolio upserts a portfolio and its positions.
func (m *MemoryStore) SavePortfolio(_ context.Context, pf *domain.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolios[pf.ID] = copyPortfolio(pf)
	return nil
}

// ApplyFill atomically records one reconciled fill.
func (m *MemoryStore) ApplyFill(_ context.Context, order *domain.Order, exec *domain.Execution, pf *domain.Portfolio, pos *domain.Position, removePosition bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.saveExecutionLocked(exec); err != nil {
		return err
	}

	ocp := *order
	m.orders[order.ID] = &ocp

	stored := copyPortfolio(pf)
	if removePosition {
		delete(stored.Positions, pos.Symbol)
	} else {
		pcp := *pos
		stored.Positions[pos.Symbol] = &pcp
	}
	m.portfolios[pf.ID] = stored
	return nil
}

func copyPortfolio(pf *domain.Portfolio) *domain.Portfolio {
	cp := *pf
	cp.Positions = make(map[string]*domain.Position, len(pf.Positions))
	for sym, pos := range pf.Positions {
		pcp := *pos
		cp.Positions[sym] = &pcp
	}
	return &cp
}
