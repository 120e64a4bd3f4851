package billing

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueFor(t *testing.T) {
	tests := []struct {
		name string
		rate int64
		d    time.Duration
		want int64
	}{
		{"zero", 100, 0, 0},
		{"negative", 100, -time.Second, 0},
		{"one minute", 100, time.Minute, 100},
		{"half minute", 100, 30 * time.Second, 50},
		{"rounds down", 100, 20 * time.Second, 33},
		{"sub cent", 1, time.Second, 0},
		{"minutes and seconds", 250, 90 * time.Second, 375},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dueFor(tt.rate, tt.d))
		})
	}
}

func TestDueFor_LongSessionDoesNotOverflow(t *testing.T) {
	// rate * d in nanoseconds would overflow int64 here
	rate := int64(100000)
	d := 1000 * time.Hour
	require.Greater(t, float64(rate)*float64(d), float64(math.MaxInt64))

	assert.Equal(t, rate*60*1000, dueFor(rate, d))
}

func TestChargeFor_CarriesRemainder(t *testing.T) {
	// 100 cents per minute billed in 20s slices is 33 + 33 + 34, never 99
	var total int64
	var acc time.Duration
	var got []int64
	for i := 0; i < 3; i++ {
		c := chargeFor(100, acc, 20*time.Second)
		got = append(got, c)
		total += c
		acc += 20 * time.Second
	}

	assert.Equal(t, []int64{33, 33, 34}, got)
	assert.Equal(t, int64(100), total)
}

func TestIntervalIndex(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		last int64
		want int64
	}{
		{"first interval", start.Add(time.Minute), 0, 1},
		{"late tick", start.Add(2*time.Minute + 5*time.Second), 1, 2},
		{"early tick bumps past last", start.Add(59 * time.Second), 0, 1},
		{"repeat tick bumps past last", start.Add(time.Minute), 1, 2},
		{"gap skips ahead", start.Add(5 * time.Minute), 2, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, intervalIndex(start, tt.now, time.Minute, tt.last))
		})
	}
}

func TestProviderShare(t *testing.T) {
	assert.Equal(t, int64(70), providerShare(100, 7000))
	assert.Equal(t, int64(23), providerShare(33, 7000))
	assert.Equal(t, int64(0), providerShare(100, 0))
	assert.Equal(t, int64(100), providerShare(100, 10000))
}

func TestPendingCharge_DebitRequest(t *testing.T) {
	pc := PendingCharge{
		SessionID:         "s1",
		AccountID:         "client",
		ProviderAccountID: "provider",
		Amount:            100,
		ProviderShare:     70,
		IdempotencyKey:    tickKey("s1", 3),
	}

	req := pc.debitRequest()
	assert.Equal(t, "s1:3", req.IdempotencyKey)
	require.NotNil(t, req.Payee)
	assert.Equal(t, "provider", req.Payee.AccountID)
	assert.Equal(t, int64(70), req.Payee.Amount)
	assert.Equal(t, "s1:3:payout", req.Payee.IdempotencyKey)
	require.NoError(t, req.Validate())

	pc.ProviderShare = 0
	assert.Nil(t, pc.debitRequest().Payee)
}
