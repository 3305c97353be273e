package invoice

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory invoice store for demo/development mode.
type MemoryStore struct {
	invoices map[string]*Invoice
	byHash   map[string]string // tx hash -> invoice id
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
		byHash:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.invoices[inv.ID]; exists {
		return ErrDuplicateInvoice
	}
	if inv.TxHash != "" {
		if _, taken := m.byHash[inv.TxHash]; taken {
			return ErrTxHashUsed
		}
		m.byHash[inv.TxHash] = inv.ID
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (m *MemoryStore) FindByTxHash(ctx context.Context, txHash string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[txHash]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(m.invoices[id]), nil
}

func (m *MemoryStore) UpdateWhere(ctx context.Context, id string, expected Status, u Update) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if inv.Status != expected {
		return nil, ErrStatusConflict
	}
	if u.TxHash != nil && *u.TxHash != inv.TxHash {
		if owner, taken := m.byHash[*u.TxHash]; taken && owner != id {
			return nil, ErrTxHashUsed
		}
		if inv.TxHash != "" {
			delete(m.byHash, inv.TxHash)
		}
		m.byHash[*u.TxHash] = id
		inv.TxHash = *u.TxHash
	}

	inv.Status = u.Status
	if u.PayerAddress != nil {
		inv.PayerAddress = *u.PayerAddress
	}
	if u.FailureReason != nil {
		inv.FailureReason = *u.FailureReason
	}
	if u.PeriodStart != nil {
		inv.PeriodStart = timePtr(*u.PeriodStart)
	}
	if u.PeriodEnd != nil {
		inv.PeriodEnd = timePtr(*u.PeriodEnd)
	}
	if u.ConfirmedAt != nil {
		inv.ConfirmedAt = timePtr(*u.ConfirmedAt)
	}
	if u.ActivatedAt != nil {
		inv.ActivatedAt = timePtr(*u.ActivatedAt)
	}
	if u.UpdatedAt.IsZero() {
		inv.UpdatedAt = time.Now().UTC()
	} else {
		inv.UpdatedAt = u.UpdatedAt
	}
	return copyInvoice(inv), nil
}

func (m *MemoryStore) ExpireDue(ctx context.Context, now time.Time) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Invoice
	for _, inv := range m.invoices {
		if inv.Status != StatusPending && inv.Status != StatusSubmitted {
			continue
		}
		if !inv.PastDeadline(now) {
			continue
		}
		inv.Status = StatusExpired
		inv.UpdatedAt = now
		expired = append(expired, copyInvoice(inv))
	}
	return expired, nil
}

func (m *MemoryStore) ListByProject(ctx context.Context, projectID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.ProjectID == projectID {
			result = append(result, copyInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == status {
			result = append(result, copyInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAwaitingActivation(ctx context.Context, confirmedBefore time.Time, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.Status != StatusConfirmed || inv.ActivatedAt != nil || inv.ConfirmedAt == nil {
			continue
		}
		if inv.ConfirmedAt.After(confirmedBefore) {
			continue
		}
		result = append(result, copyInvoice(inv))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConfirmedAt.Before(*result[j].ConfirmedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// copyInvoice deep-copies the time pointers so callers cannot mutate stored rows.
func copyInvoice(inv *Invoice) *Invoice {
	cp := *inv
	if inv.PeriodStart != nil {
		cp.PeriodStart = timePtr(*inv.PeriodStart)
	}
	if inv.PeriodEnd != nil {
		cp.PeriodEnd = timePtr(*inv.PeriodEnd)
	}
	if inv.ConfirmedAt != nil {
		cp.ConfirmedAt = timePtr(*inv.ConfirmedAt)
	}
	if inv.ActivatedAt != nil {
		cp.ActivatedAt = timePtr(*inv.ActivatedAt)
	}
	return &cp
}

func timePtr(t time.Time) *time.Time { return &t }
