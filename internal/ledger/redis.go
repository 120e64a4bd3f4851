package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"session_billing/internal/models"
)

// RedisStore implements Store on Redis. Balances live in one hash per account and
// every mutation runs as a single Lua script, so the balance change, the idempotency
// record and the ledger list appends commit together.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// Script result codes
const (
	scriptInsufficient = 0
	scriptApplied      = 1
	scriptDuplicate    = 2
	scriptNoAccount    = -1
)

// debitScript
// KEYS[1] account hash, KEYS[2] idempotency record, KEYS[3] account ledger,
// KEYS[4] session ledger, KEYS[5..7] payee hash, record and ledger (optional)
// ARGV[1] amount, ARGV[2] transaction JSON, ARGV[3] session id, ARGV[4] now,
// ARGV[5] payee amount, ARGV[6] payee transaction JSON
var debitScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return {2, existing}
end

if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, ''}
end

local amount = tonumber(ARGV[1])
local balance = tonumber(redis.call('HGET', KEYS[1], 'balance') or '0')
if balance < amount then
	return {0, tostring(balance)}
end

balance = redis.call('HINCRBY', KEYS[1], 'balance', -amount)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])

local tx = cjson.decode(ARGV[2])
tx['balance_after'] = balance
local encoded = cjson.encode(tx)
redis.call('SET', KEYS[2], encoded)
redis.call('RPUSH', KEYS[3], encoded)
if ARGV[3] ~= '' then
	redis.call('RPUSH', KEYS[4], encoded)
end

if #KEYS >= 7 and redis.call('EXISTS', KEYS[6]) == 0 then
	local pbalance = redis.call('HINCRBY', KEYS[5], 'balance', tonumber(ARGV[5]))
	redis.call('HSETNX', KEYS[5], 'created_at', ARGV[4])
	redis.call('HSET', KEYS[5], 'updated_at', ARGV[4])
	local ptx = cjson.decode(ARGV[6])
	ptx['balance_after'] = pbalance
	local pencoded = cjson.encode(ptx)
	redis.call('SET', KEYS[6], pencoded)
	redis.call('RPUSH', KEYS[7], pencoded)
	if ARGV[3] ~= '' then
		redis.call('RPUSH', KEYS[4], pencoded)
	end
end

return {1, encoded}
`)

// creditScript
// KEYS[1] account hash, KEYS[2] idempotency record, KEYS[3] account ledger, KEYS[4] session ledger
// ARGV[1] amount, ARGV[2] transaction JSON, ARGV[3] session id, ARGV[4] now
var creditScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return {2, existing}
end

local balance = redis.call('HINCRBY', KEYS[1], 'balance', tonumber(ARGV[1]))
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[4])
redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])

local tx = cjson.decode(ARGV[2])
tx['balance_after'] = balance
local encoded = cjson.encode(tx)
redis.call('SET', KEYS[2], encoded)
redis.call('RPUSH', KEYS[3], encoded)
if ARGV[3] ~= '' then
	redis.call('RPUSH', KEYS[4], encoded)
end
return {1, encoded}
`)

// appendScript records a transaction under its key unless the key exists
// KEYS[1] idempotency record, KEYS[2] account ledger, KEYS[3] session ledger
// ARGV[1] transaction JSON, ARGV[2] session id
var appendScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {2, existing}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
if ARGV[2] ~= '' then
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
return {1, ARGV[1]}
`)

// NewRedisStore creates a store using keys under prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "billing"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) accountKey(id string) string { return s.prefix + ":account:" + id }
func (s *RedisStore) txKey(key string) string     { return s.prefix + ":tx:" + key }
func (s *RedisStore) accountLedgerKey(id string) string {
	return s.prefix + ":ledger:account:" + id
}
func (s *RedisStore) sessionLedgerKey(id string) string {
	return s.prefix + ":ledger:session:" + id
}

// PutAccount writes the account hash, balance included
func (s *RedisStore) PutAccount(ctx context.Context, a *models.Account) error {
	now := s.now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	err := s.client.HSet(ctx, s.accountKey(a.ID), map[string]interface{}{
		"balance":               a.Balance,
		"auto_reload_enabled":   strconv.FormatBool(a.AutoReloadEnabled),
		"auto_reload_amount":    a.AutoReloadAmount,
		"auto_reload_threshold": a.AutoReloadThreshold,
		"payment_customer_id":   a.PaymentCustomerID,
		"payment_method_id":     a.PaymentMethodID,
		"created_at":            created.UnixNano(),
		"updated_at":            now.UnixNano(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

// GetAccount reads the account hash
func (s *RedisStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}

	a := &models.Account{ID: accountID}
	a.Balance, _ = strconv.ParseInt(fields["balance"], 10, 64)
	a.AutoReloadEnabled, _ = strconv.ParseBool(fields["auto_reload_enabled"])
	a.AutoReloadAmount, _ = strconv.ParseInt(fields["auto_reload_amount"], 10, 64)
	a.AutoReloadThreshold, _ = strconv.ParseInt(fields["auto_reload_threshold"], 10, 64)
	a.PaymentCustomerID = fields["payment_customer_id"]
	a.PaymentMethodID = fields["payment_method_id"]
	if ns, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		a.CreatedAt = time.Unix(0, ns).UTC()
	}
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		a.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return a, nil
}

// GetBalance reads the balance field
func (s *RedisStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	val, err := s.client.HGet(ctx, s.accountKey(accountID), "balance").Int64()
	if err == redis.Nil {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return val, nil
}

// TryDebit runs the debit script
func (s *RedisStore) TryDebit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	txJSON, err := encodeTransaction(&models.Transaction{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           models.TransactionKindCharge,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}

	keys := []string{
		s.accountKey(req.AccountID),
		s.txKey(req.IdempotencyKey),
		s.accountLedgerKey(req.AccountID),
		s.sessionLedgerKey(req.SessionID),
	}
	args := []interface{}{req.Amount, txJSON, req.SessionID, now.UnixNano(), 0, ""}

	if p := req.Payee; p != nil && p.Amount > 0 {
		payeeJSON, err := encodeTransaction(&models.Transaction{
			ID:             uuid.NewString(),
			AccountID:      p.AccountID,
			SessionID:      req.SessionID,
			Kind:           models.TransactionKindPayout,
			Amount:         p.Amount,
			IdempotencyKey: p.IdempotencyKey,
			Description:    p.Description,
			CreatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		keys = append(keys, s.accountKey(p.AccountID), s.txKey(p.IdempotencyKey), s.accountLedgerKey(p.AccountID))
		args[4] = p.Amount
		args[5] = payeeJSON
	}

	code, payload, err := runScript(ctx, s.client, debitScript, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run debit script: %w", err)
	}

	switch code {
	case scriptNoAccount:
		return nil, ErrAccountNotFound
	case scriptInsufficient:
		balance, _ := strconv.ParseInt(payload, 10, 64)
		return &DebitResult{Applied: false, NewBalance: balance}, nil
	}

	tx, err := decodeTransaction(payload)
	if err != nil {
		return nil, err
	}
	return &DebitResult{
		Applied:     true,
		Duplicate:   code == scriptDuplicate,
		NewBalance:  tx.BalanceAfter,
		Transaction: tx,
	}, nil
}

// Credit runs the credit script
func (s *RedisStore) Credit(ctx context.Context, req CreditRequest) (*models.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	txJSON, err := encodeTransaction(&models.Transaction{
		ID:             uuid.NewString(),
		AccountID:      req.AccountID,
		SessionID:      req.SessionID,
		Kind:           req.Kind,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, err
	}

	keys := []string{
		s.accountKey(req.AccountID),
		s.txKey(req.IdempotencyKey),
		s.accountLedgerKey(req.AccountID),
		s.sessionLedgerKey(req.SessionID),
	}
	_, payload, err := runScript(ctx, s.client, creditScript, keys, req.Amount, txJSON, req.SessionID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to run credit script: %w", err)
	}
	return decodeTransaction(payload)
}

// Append records a transaction without touching any balance
func (s *RedisStore) Append(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if tx.IdempotencyKey == "" {
		return nil, ErrMissingKey
	}

	in := *tx
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	txJSON, err := encodeTransaction(&in)
	if err != nil {
		return nil, err
	}

	keys := []string{s.txKey(in.IdempotencyKey), s.accountLedgerKey(in.AccountID), s.sessionLedgerKey(in.SessionID)}
	_, payload, err := runScript(ctx, s.client, appendScript, keys, txJSON, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to run append script: %w", err)
	}
	return decodeTransaction(payload)
}

// ListForSession returns the session ledger in append order
func (s *RedisStore) ListForSession(ctx context.Context, sessionID string) ([]models.Transaction, error) {
	return s.list(ctx, s.sessionLedgerKey(sessionID))
}

// ListForAccount returns the account ledger in append order
func (s *RedisStore) ListForAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	return s.list(ctx, s.accountLedgerKey(accountID))
}

func (s *RedisStore) list(ctx context.Context, key string) ([]models.Transaction, error) {
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	out := make([]models.Transaction, 0, len(raw))
	for _, item := range raw {
		tx, err := decodeTransaction(item)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, nil
}

func runScript(ctx context.Context, client *redis.Client, script *redis.Script, keys []string, args ...interface{}) (int64, string, error) {
	res, err := script.Run(ctx, client, keys, args...).Result()
	if err != nil {
		return 0, "", err
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return 0, "", fmt.Errorf("unexpected script result %T", res)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script status %T", parts[0])
	}
	payload, _ := parts[1].(string)
	return code, payload, nil
}

func encodeTransaction(tx *models.Transaction) (string, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return string(data), nil
}

func decodeTransaction(payload string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}
