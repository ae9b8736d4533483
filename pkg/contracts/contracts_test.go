package contracts

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMoneyAddSameCurrency(t *testing.T) {
	sum, err := Money{MinorUnits: 100, Currency: "USD"}.Add(Money{MinorUnits: 50, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, Money{MinorUnits: 150, Currency: "USD"}, sum)
}

func TestMoneyAddUnsetCurrencyTakesOther(t *testing.T) {
	sum, err := Money{MinorUnits: 100}.Add(Money{MinorUnits: 50, Currency: "USD"})
	require.NoError(t, err)
	require.Equal(t, Money{MinorUnits: 150, Currency: "USD"}, sum)
}

func TestMoneyAddMismatchedCurrencyErrors(t *testing.T) {
	_, err := Money{MinorUnits: 100, Currency: "USD"}.Add(Money{MinorUnits: 50, Currency: "EUR"})
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}
