package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculate_TierBoundaries(t *testing.T) {
	cases := []struct {
		amount string
		want   string
	}{
		{"1", "6"},
		{"100", "6"},
		{"100.01", "24"},
		{"250", "24"},
		{"500", "24"},
		{"500.01", "48"},
		{"1000", "48"},
		{"1000.01", "50.0005"},
		{"2000", "100"},
	}

	for _, tc := range cases {
		t.Run(tc.amount, func(t *testing.T) {
			got := Calculate(decimal.RequireFromString(tc.amount))
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "commission(%s) = %s, want %s", tc.amount, got, tc.want)
		})
	}
}

func TestSplit_NetIsAmountMinusCommission(t *testing.T) {
	for _, s := range []string{"5", "99.99", "250", "999.5", "1234.56"} {
		amount := decimal.RequireFromString(s)
		c, net := Split(amount)
		assert.True(t, c.GreaterThanOrEqual(decimal.Zero))
		assert.True(t, net.Add(c).Equal(amount), s)
	}

	c, net := Split(decimal.NewFromInt(250))
	assert.Equal(t, "24", c.String())
	assert.Equal(t, "226", net.String())
}
