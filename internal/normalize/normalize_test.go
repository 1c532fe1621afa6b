package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/config"
)

func TestParseAmountCents(t *testing.T) {
	tests := map[string]int64{
		"12.50":     1250,
		"¥1,299":    129900,
		"-8.5":      -850,
		"0.005":     1,
		"30元":       3000,
		" $ 7.99 ":  799,
		"100":       10000,
		"1，000.10": 100010,
	}
	for in, want := range tests {
		got, err := ParseAmountCents(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAmountCents("abc")
	require.Error(t, err)
	_, err = ParseAmountCents("  ")
	require.Error(t, err)
}

func TestExtractAmountCents(t *testing.T) {
	cents, ok := ExtractAmountCents("card ending 1234 paid 12.50 at corner cafe")
	require.True(t, ok)
	assert.Equal(t, int64(1250), cents)

	cents, ok = ExtractAmountCents("你向张三付款¥88.00")
	require.True(t, ok)
	assert.Equal(t, int64(8800), cents)

	cents, ok = ExtractAmountCents("收到转账 30元")
	require.True(t, ok)
	assert.Equal(t, int64(3000), cents)

	_, ok = ExtractAmountCents("3 new messages")
	assert.False(t, ok)
}

func TestParseTimestamp(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)

	ts, err := ParseTimestamp("2026-03-14T09:30:00Z", shanghai)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	ts, err = ParseTimestamp("2026-03-14 17:30:00", shanghai)
	require.NoError(t, err)
	assert.True(t, ts.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	ts, err = ParseTimestamp("1773480600000", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1773480600000), ts.UnixMilli())

	ts, err = ParseTimestamp("1773480600", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1773480600), ts.Unix())

	_, err = ParseTimestamp("yesterday", time.UTC)
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cfg := config.DefaultConfig()

	c, err := Normalize(EventFields{
		ID:           " n-1 ",
		SourceApp:    "com.eg.android.AlipayGphone",
		Title:        "支付宝",
		Content:      "你向星巴克付款¥36.00",
		Merchant:     "星巴克",
		Confidence:   "0.92",
		GroupSummary: "false",
		Timestamp:    "2026-03-14T09:30:00Z",
	}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "n-1", c.ID)
	assert.Equal(t, int64(3600), c.AmountCents)
	assert.Equal(t, 0.92, c.Confidence)
	assert.False(t, c.IsGroupSummary)
	assert.True(t, c.ObservedAt.Equal(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)))

	c, err = Normalize(EventFields{Content: "paid", AmountCents: "-450"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "unknown", c.SourceApp)
	assert.Equal(t, int64(-450), c.AmountCents)
	assert.False(t, c.ObservedAt.IsZero())

	c, err = Normalize(EventFields{Content: "paid 99.99", Amount: "12.00"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), c.AmountCents)

	_, err = Normalize(EventFields{SourceApp: "bank1"}, cfg)
	require.Error(t, err)

	_, err = Normalize(EventFields{Content: "x", Timestamp: "not a time"}, cfg)
	require.Error(t, err)

	_, err = Normalize(EventFields{Content: "x", Confidence: "high"}, cfg)
	require.Error(t, err)
}
