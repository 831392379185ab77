package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFitsNumeric(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"0.00000001", true},
		{"0.000000001", false},
		{"12.50000000000", true}, // trailing zeros carry no digits
		{"999999999999.99999999", true},
		{"1000000000000", false},
		{"-999999999999", true},
		{"1e13", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FitsNumeric(decimal.RequireFromString(tc.in), MoneyPrecision, MoneyScale), tc.in)
	}

	assert.True(t, FitsNumeric(decimal.RequireFromString("0.001"), WeightPrecision, WeightScale))
	assert.False(t, FitsNumeric(decimal.RequireFromString("0.0001"), WeightPrecision, WeightScale))
	assert.False(t, FitsNumeric(decimal.RequireFromString("1000000000"), WeightPrecision, WeightScale))
}
