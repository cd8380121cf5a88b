package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"github.com/google/uuid"
)

// MemoryBook is an in-process Book. Each account has its own mutex so that the
// check-and-mutate in Apply is a single critical section per (user, currency).
type MemoryBook struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	entries  []Entry
	applied  map[string]struct{}
	now      func() time.Time
}

type memAccount struct {
	mu  sync.Mutex
	acc Account
}

func NewMemoryBook() *MemoryBook {
	return &MemoryBook{
		accounts: make(map[string]*memAccount),
		applied:  make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func accountKey(userID uuid.UUID, currency string) string {
	return userID.String() + ":" + NormalizeCurrency(currency)
}

func (b *MemoryBook) account(userID uuid.UUID, currency string) *memAccount {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := accountKey(userID, currency)
	a, ok := b.accounts[key]
	if !ok {
		a = &memAccount{acc: Account{
			ID:        uuid.New(),
			UserID:    userID,
			Currency:  NormalizeCurrency(currency),
			UpdatedAt: b.now(),
		}}
		b.accounts[key] = a
	}
	return a
}

func (b *MemoryBook) Balance(_ context.Context, userID uuid.UUID, currency string) (Account, error) {
	if NormalizeCurrency(currency) == "" {
		return Account{}, apperr.Validation("currency is required")
	}
	a := b.account(userID, currency)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acc, nil
}

func (b *MemoryBook) Balances(_ context.Context, userID uuid.UUID) ([]Account, error) {
	b.mu.Lock()
	accs := make([]*memAccount, 0)
	for _, a := range b.accounts {
		if a.acc.UserID == userID {
			accs = append(accs, a)
		}
	}
	b.mu.Unlock()

	out := make([]Account, 0, len(accs))
	for _, a := range accs {
		a.mu.Lock()
		out = append(out, a.acc)
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (b *MemoryBook) Apply(_ context.Context, op Op) (Entry, error) {
	if err := op.Validate(); err != nil {
		return Entry{}, err
	}
	a := b.account(op.UserID, op.Currency)
	a.mu.Lock()
	defer a.mu.Unlock()

	key := EntryKey(a.acc.ID, op.Ref, op.Type)
	b.mu.Lock()
	_, dup := b.applied[key]
	b.mu.Unlock()
	if dup {
		return Entry{}, apperr.AlreadyProcessed(string(op.Type) + " already applied for " + op.Ref.String())
	}

	next := a.acc
	entry, err := next.Apply(op, b.now())
	if err != nil {
		return Entry{}, err
	}
	a.acc = next

	b.mu.Lock()
	b.applied[key] = struct{}{}
	b.entries = append(b.entries, entry)
	b.mu.Unlock()
	return entry, nil
}

// Entries returns the newest entries first. An empty currency matches every currency.
func (b *MemoryBook) Entries(_ context.Context, userID uuid.UUID, currency string, limit int) ([]Entry, error) {
	currency = NormalizeCurrency(currency)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0)
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.UserID != userID || (currency != "" && e.Currency != currency) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
