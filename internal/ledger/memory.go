package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"session_billing/internal/models"
)

// MemoryStore implements Store in process memory. A single mutex makes every
// debit, credit and append linearizable; it is meant for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	byKey    map[string]*models.Transaction
	log      []*models.Transaction
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*models.Account),
		byKey:    make(map[string]*models.Transaction),
		now:      time.Now,
	}
}

// PutAccount creates or replaces an account, including its balance
func (s *MemoryStore) PutAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *account
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.UpdatedAt = s.now()
	s.accounts[a.ID] = &a
	return nil
}

// GetAccount returns a copy of the account
func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *a
	return &out, nil
}

// GetBalance returns the current balance
func (s *MemoryStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return a.Balance, nil
}

// TryDebit takes the amount if the balance covers it
func (s *MemoryStore) TryDebit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[req.IdempotencyKey]; ok {
		out := *existing
		return &DebitResult{Applied: true, Duplicate: true, NewBalance: existing.BalanceAfter, Transaction: &out}, nil
	}

	a, ok := s.accounts[req.AccountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if a.Balance < req.Amount {
		return &DebitResult{Applied: false, NewBalance: a.Balance}, nil
	}

	now := s.now()
	a.Balance -= req.Amount
	a.UpdatedAt = now
	tx := s.record(&models.Transaction{
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           models.TransactionKindCharge,
		Amount:         req.Amount,
		BalanceAfter:   a.Balance,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      now,
	})

	if p := req.Payee; p != nil && p.Amount > 0 {
		if _, dup := s.byKey[p.IdempotencyKey]; !dup {
			payee := s.ensureAccount(p.AccountID, now)
			payee.Balance += p.Amount
			payee.UpdatedAt = now
			s.record(&models.Transaction{
				AccountID:      p.AccountID,
				SessionID:      req.SessionID,
				Kind:           models.TransactionKindPayout,
				Amount:         p.Amount,
				BalanceAfter:   payee.Balance,
				IdempotencyKey: p.IdempotencyKey,
				Description:    p.Description,
				CreatedAt:      now,
			})
		}
	}

	out := *tx
	return &DebitResult{Applied: true, NewBalance: a.Balance, Transaction: &out}, nil
}

// Credit adds the amount, creating the account when it does not exist yet
func (s *MemoryStore) Credit(ctx context.Context, req CreditRequest) (*models.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[req.IdempotencyKey]; ok {
		out := *existing
		return &out, nil
	}

	now := s.now()
	a := s.ensureAccount(req.AccountID, now)
	a.Balance += req.Amount
	a.UpdatedAt = now
	tx := s.record(&models.Transaction{
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		BalanceAfter:   a.Balance,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      now,
	})

	out := *tx
	return &out, nil
}

// Append records a transaction without touching any balance
func (s *MemoryStore) Append(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[tx.IdempotencyKey]; ok {
		out := *existing
		return &out, nil
	}

	in := *tx
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	stored := s.record(&in)
	out := *stored
	return &out, nil
}

// ListForSession returns the session's transactions in creation order
func (s *MemoryStore) ListForSession(ctx context.Context, sessionID string) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool { return tx.SessionID == sessionID }), nil
}

// ListForAccount returns the account's transactions in creation order
func (s *MemoryStore) ListForAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	return s.filter(func(tx *models.Transaction) bool { return tx.AccountID == accountID }), nil
}

func (s *MemoryStore) filter(match func(*models.Transaction) bool) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Transaction, 0)
	for _, tx := range s.log {
		if match(tx) {
			out = append(out, *tx)
		}
	}
	// log is in insertion order; a stable sort keeps it for equal timestamps
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// record must be called with mu held
func (s *MemoryStore) record(tx *models.Transaction) *models.Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	s.byKey[tx.IdempotencyKey] = tx
	s.log = append(s.log, tx)
	return tx
}

// ensureAccount must be called with mu held
func (s *MemoryStore) ensureAccount(id string, now time.Time) *models.Account {
	a, ok := s.accounts[id]
	if !ok {
		a = &models.Account{ID: id, CreatedAt: now, UpdatedAt: now}
		s.accounts[id] = a
	}
	return a
}
