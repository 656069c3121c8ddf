package oracle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch/ew/internal/chain"
)

func TestPostedRateExtractsR4(t *testing.T) {
	raw := json.RawMessage(`{"R4": 123456789}`)
	rate, ok := PostedRate(raw)
	assert.True(t, ok)
	assert.Equal(t, int64(123456789), rate)
}

func TestPostedRateMissingR4(t *testing.T) {
	raw := json.RawMessage(`{"R5": 1}`)
	_, ok := PostedRate(raw)
	assert.False(t, ok)
}

func TestPostedRateEmptyRegisters(t *testing.T) {
	_, ok := PostedRate(nil)
	assert.False(t, ok)
}

func TestWorkflowHeaderStartsAtInitial(t *testing.T) {
	w := New(nil, nil, "", 1, chain.InitialHeader, 20)
	assert.True(t, w.Header().IsInitial())
}
