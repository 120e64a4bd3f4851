package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session_billing/internal/models"
)

type seededStore interface {
	Store
	PutAccount(ctx context.Context, a *models.Account) error
}

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return client, mr
}

func backends(t *testing.T) map[string]func(t *testing.T) seededStore {
	return map[string]func(t *testing.T) seededStore{
		"memory": func(t *testing.T) seededStore { return NewMemoryStore() },
		"redis": func(t *testing.T) seededStore {
			client, _ := setupTestRedis(t)
			return NewRedisStore(client, "test")
		},
	}
}

func TestStore_TryDebit(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.PutAccount(ctx, &models.Account{ID: "client", Balance: 500}))

			res, err := s.TryDebit(ctx, DebitRequest{AccountID: "client", SessionID: "s1", Amount: 100, IdempotencyKey: "s1:1"})
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.False(t, res.Duplicate)
			assert.Equal(t, int64(400), res.NewBalance)
			require.NotNil(t, res.Transaction)
			assert.Equal(t, models.TransactionKindCharge, res.Transaction.Kind)
			assert.Equal(t, int64(400), res.Transaction.BalanceAfter)

			res, err = s.TryDebit(ctx, DebitRequest{AccountID: "client", SessionID: "s1", Amount: 1000, IdempotencyKey: "s1:2"})
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, int64(400), res.NewBalance)

			balance, err := s.GetBalance(ctx, "client")
			require.NoError(t, err)
			assert.Equal(t, int64(400), balance)
		})
	}
}

func TestStore_TryDebitIsIdempotent(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.PutAccount(ctx, &models.Account{ID: "client", Balance: 500}))

			first, err := s.TryDebit(ctx, DebitRequest{AccountID: "client", SessionID: "s1", Amount: 100, IdempotencyKey: "s1:1"})
			require.NoError(t, err)

			// a retried tick with a different amount must not change anything
			again, err := s.TryDebit(ctx, DebitRequest{AccountID: "client", SessionID: "s1", Amount: 250, IdempotencyKey: "s1:1"})
			require.NoError(t, err)
			assert.True(t, again.Applied)
			assert.True(t, again.Duplicate)
			assert.Equal(t, first.Transaction.ID, again.Transaction.ID)
			assert.Equal(t, int64(100), again.Transaction.Amount)

			balance, err := s.GetBalance(ctx, "client")
			require.NoError(t, err)
			assert.Equal(t, int64(400), balance)

			txs, err := s.ListForSession(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, txs, 1)
		})
	}
}

func TestStore_TryDebitWithPayee(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.PutAccount(ctx, &models.Account{ID: "client", Balance: 500}))

			req := DebitRequest{
				AccountID:      "client",
				SessionID:      "s1",
				Amount:         100,
				IdempotencyKey: "s1:1",
				Payee:          &Payee{AccountID: "reader", Amount: 70, IdempotencyKey: "s1:1:payout"},
			}
			_, err := s.TryDebit(ctx, req)
			require.NoError(t, err)
			_, err = s.TryDebit(ctx, req)
			require.NoError(t, err)

			earned, err := s.GetBalance(ctx, "reader")
			require.NoError(t, err)
			assert.Equal(t, int64(70), earned)

			txs, err := s.ListForSession(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, txs, 2)
			assert.Equal(t, models.TransactionKindCharge, txs[0].Kind)
			assert.Equal(t, models.TransactionKindPayout, txs[1].Kind)
			assert.Equal(t, "reader", txs[1].AccountID)
		})
	}
}

func TestStore_UnknownAccount(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.TryDebit(ctx, DebitRequest{AccountID: "ghost", Amount: 1, IdempotencyKey: "k"})
			assert.ErrorIs(t, err, ErrAccountNotFound)

			_, err = s.GetBalance(ctx, "ghost")
			assert.ErrorIs(t, err, ErrAccountNotFound)

			_, err = s.GetAccount(ctx, "ghost")
			assert.ErrorIs(t, err, ErrAccountNotFound)
		})
	}
}

func TestStore_CreditIsIdempotent(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			req := CreditRequest{AccountID: "client", Kind: models.TransactionKindDeposit, Amount: 2500, IdempotencyKey: "deposit:pi_1"}
			first, err := s.Credit(ctx, req)
			require.NoError(t, err)
			again, err := s.Credit(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, first.ID, again.ID)

			balance, err := s.GetBalance(ctx, "client")
			require.NoError(t, err)
			assert.Equal(t, int64(2500), balance)

			txs, err := s.ListForAccount(ctx, "client")
			require.NoError(t, err)
			require.Len(t, txs, 1)
			assert.Equal(t, int64(2500), txs[0].BalanceAfter)
		})
	}
}

func TestStore_AppendReturnsFirstRecord(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			first, err := s.Append(ctx, &models.Transaction{AccountID: "a", SessionID: "s", Kind: models.TransactionKindCharge, Amount: 100, IdempotencyKey: "s:3"})
			require.NoError(t, err)
			second, err := s.Append(ctx, &models.Transaction{AccountID: "a", SessionID: "s", Kind: models.TransactionKindCharge, Amount: 999, IdempotencyKey: "s:3"})
			require.NoError(t, err)

			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, int64(100), second.Amount)

			txs, err := s.ListForAccount(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, txs, 1)
		})
	}
}

func TestStore_ValidatesRequests(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.TryDebit(ctx, DebitRequest{AccountID: "a", Amount: 0, IdempotencyKey: "k"})
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = s.TryDebit(ctx, DebitRequest{AccountID: "a", Amount: 5})
			assert.ErrorIs(t, err, ErrMissingKey)
			_, err = s.Credit(ctx, CreditRequest{AccountID: "a", Kind: models.TransactionKindDeposit, Amount: -5, IdempotencyKey: "k"})
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			require.NoError(t, s.PutAccount(ctx, &models.Account{ID: "client", Balance: 1000}))

			var applied atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := s.TryDebit(ctx, DebitRequest{
						AccountID:      "client",
						SessionID:      fmt.Sprintf("s%d", i%5),
						Amount:         70,
						IdempotencyKey: fmt.Sprintf("k%d", i),
					})
					if err == nil && res.Applied {
						applied.Add(1)
						assert.GreaterOrEqual(t, res.NewBalance, int64(0))
					}
				}(i)
			}
			wg.Wait()

			balance, err := s.GetBalance(ctx, "client")
			require.NoError(t, err)
			assert.Equal(t, int64(14), applied.Load())
			assert.Equal(t, int64(1000-14*70), balance)
		})
	}
}

func TestRedisStore_AccountRoundTrip(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := NewRedisStore(client, "")
	ctx := context.Background()

	in := &models.Account{
		ID:                  "client",
		Balance:             1200,
		AutoReloadEnabled:   true,
		AutoReloadAmount:    2500,
		AutoReloadThreshold: 500,
		PaymentCustomerID:   "cus_123",
		PaymentMethodID:     "pm_456",
	}
	require.NoError(t, s.PutAccount(ctx, in))

	out, err := s.GetAccount(ctx, "client")
	require.NoError(t, err)
	assert.Equal(t, in.Balance, out.Balance)
	assert.True(t, out.AutoReloadEnabled)
	assert.Equal(t, in.AutoReloadThreshold, out.AutoReloadThreshold)
	assert.Equal(t, "cus_123", out.PaymentCustomerID)
	assert.False(t, out.CreatedAt.IsZero())

	assert.True(t, client.Exists(ctx, "billing:account:client").Val() == 1)
}
