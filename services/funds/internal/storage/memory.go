package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/services/funds/internal/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps withdrawals, deposits and balances in process. It backs demo mode and the
// workflow tests. Record transitions and their ledger op run under one mutex, so a failed op
// leaves the record unchanged.
type MemoryStore struct {
	*ledger.MemoryBook

	mu          sync.Mutex
	withdrawals map[uuid.UUID]*Withdrawal
	deposits    map[uuid.UUID]*Deposit
	depositRefs map[string]uuid.UUID
	events      map[string]struct{}
	audit       []AuditLog
	observer    OpObserver
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryBook:  ledger.NewMemoryBook(),
		withdrawals: make(map[uuid.UUID]*Withdrawal),
		deposits:    make(map[uuid.UUID]*Deposit),
		depositRefs: make(map[string]uuid.UUID),
		events:      make(map[string]struct{}),
	}
}

func (s *MemoryStore) WithObserver(o OpObserver) *MemoryStore {
	s.observer = o
	return s
}

// apply runs op on the embedded book with s.mu held.
func (s *MemoryStore) apply(ctx context.Context, op ledger.Op) error {
	_, err := s.MemoryBook.Apply(ctx, op)
	observeOp(s.observer, op.Type, err)
	return err
}

func depositRefKey(kind Kind, ref string) string {
	return string(kind) + ":" + ref
}

func (s *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.apply(ctx, WithdrawalOp(w, ledger.OpLock)); err != nil {
		return err
	}
	s.withdrawals[w.ID] = w.Clone()
	return nil
}

func (s *MemoryStore) GetWithdrawal(_ context.Context, id uuid.UUID) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return w.Clone(), nil
}

func (s *MemoryStore) TransitionWithdrawal(ctx context.Context, t WithdrawalTransition) (*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.withdrawals[t.ID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if !t.allowed(current.Status) {
		return nil, withdrawalProcessed(current)
	}
	next := current.Clone()
	if t.Mutate != nil {
		t.Mutate(next)
	}
	next.Status = t.To
	next.UpdatedAt = t.Now
	if t.Op != "" {
		if err := s.apply(ctx, WithdrawalOp(next, t.Op)); err != nil {
			return nil, err
		}
	}
	s.withdrawals[t.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListWithdrawals(_ context.Context, userID uuid.UUID, page Page) ([]*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Withdrawal, 0)
	for _, w := range s.withdrawals {
		if w.UserID != userID || (!page.Before.IsZero() && !w.CreatedAt.Before(page.Before)) {
			continue
		}
		out = append(out, w.Clone())
	}
	sortWithdrawals(out, true)
	if len(out) > page.limit() {
		out = out[:page.limit()]
	}
	return out, nil
}

func (s *MemoryStore) ListWithdrawalsByStatus(_ context.Context, kind Kind, statuses []WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Withdrawal, 0)
	for _, w := range s.withdrawals {
		if kind != "" && w.Kind != kind {
			continue
		}
		for _, st := range statuses {
			if w.Status == st {
				out = append(out, w.Clone())
				break
			}
		}
	}
	sortWithdrawals(out, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) WithdrawalUsage(_ context.Context, userID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]decimal.Decimal, 0)
	for _, w := range s.withdrawals {
		if w.UserID != userID || w.CreatedAt.Before(since) || usageStatusesExcluded(w.Status) {
			continue
		}
		values = append(values, w.LimitValue)
	}
	return sumDecimal(values), nil
}

func (s *MemoryStore) CreateDeposit(_ context.Context, d *Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := depositRefKey(d.Kind, d.ExternalRef)
	if _, exists := s.depositRefs[key]; exists {
		return ErrDuplicateDeposit
	}
	s.deposits[d.ID] = d.Clone()
	s.depositRefs[key] = d.ID
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, id uuid.UUID) (*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deposits[id]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) GetDepositByRef(_ context.Context, kind Kind, ref string) (*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.depositRefs[depositRefKey(kind, ref)]
	if !ok {
		return nil, ErrDepositNotFound
	}
	return s.deposits[id].Clone(), nil
}

func (s *MemoryStore) TransitionDeposit(ctx context.Context, t DepositTransition) (*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.deposits[t.ID]
	if !ok {
		return nil, ErrDepositNotFound
	}
	if !t.allowed(current.Status) {
		return nil, depositProcessed(current)
	}
	next := current.Clone()
	if t.Mutate != nil {
		t.Mutate(next)
	}
	next.Status = t.To
	next.UpdatedAt = t.Now
	if t.Op != "" {
		if err := s.apply(ctx, DepositOp(next)); err != nil {
			return nil, err
		}
	}
	s.deposits[t.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, userID uuid.UUID, page Page) ([]*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Deposit, 0)
	for _, d := range s.deposits {
		if d.UserID != userID || (!page.Before.IsZero() && !d.CreatedAt.Before(page.Before)) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > page.limit() {
		out = out[:page.limit()]
	}
	return out, nil
}

func (s *MemoryStore) ListDepositsByStatus(_ context.Context, kind Kind, statuses []DepositStatus, limit int) ([]*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Deposit, 0)
	for _, d := range s.deposits {
		if kind != "" && d.Kind != kind {
			continue
		}
		for _, st := range statuses {
			if d.Status == st {
				out = append(out, d.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DepositUsage(_ context.Context, userID uuid.UUID, kind Kind, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make([]decimal.Decimal, 0)
	for _, d := range s.deposits {
		if d.UserID != userID || d.Kind != kind || d.CreatedAt.Before(since) || d.Status == DepositFailed {
			continue
		}
		values = append(values, d.LimitValue)
	}
	return sumDecimal(values), nil
}

// MarkEventProcessed records eventID and reports whether it was new.
func (s *MemoryStore) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) InsertAudit(_ context.Context, log AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, log)
	return nil
}

func (s *MemoryStore) AuditLogs() []AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditLog, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func sortWithdrawals(out []*Withdrawal, newestFirst bool) {
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
