package exchanges

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/workflows/balances"
)

func diff(addr int64, height chain.Height, balance int64) balances.AddressDiff {
	return balances.AddressDiff{Height: height, AddressID: addr, Balance: balance}
}

func TestLatestPerAddressPicksHighestHeight(t *testing.T) {
	diffs := []balances.AddressDiff{
		diff(1, 5, 100),
		diff(1, 10, 140),
		diff(2, 7, 50),
	}

	latest := latestPerAddress(diffs)

	assert.Equal(t, int64(140), latest[1])
	assert.Equal(t, int64(50), latest[2])
}

func TestSumBalancesAddsAcrossAddresses(t *testing.T) {
	total := sumBalances(map[int64]int64{1: 140, 2: 50})
	assert.Equal(t, int64(190), total)
}

func TestWorkflowHeaderStartsAtInitial(t *testing.T) {
	w := New(nil, nil, chain.InitialHeader, 20, nil)
	assert.True(t, w.Header().IsInitial())
}
