package txbuilder

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethagent/internal/errors"
	"ethagent/pkg/models"
)

const recipient = "0x1111111111111111111111111111111111111111"

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{ChainID: big.NewInt(5)})
	require.NoError(t, err)
	return b
}

func TestBuild_PlainTransferDefaults(t *testing.T) {
	b := newTestBuilder(t)

	tx, err := b.Build(&BuildRequest{To: recipient, Value: big.NewInt(1000), Nonce: 7})

	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipient), tx.To)
	assert.Equal(t, uint64(7), tx.Nonce)
	assert.Equal(t, uint64(21000), tx.GasLimit)
	assert.Equal(t, big.NewInt(10_000_000_000), tx.GasPrice)
	assert.Equal(t, big.NewInt(1000), tx.Value)
	assert.Empty(t, tx.Data)
	assert.Equal(t, big.NewInt(5), tx.ChainID)
	assert.False(t, tx.HasPayload())
}

func TestBuild_PlainTransferIgnoresLiveGasPrice(t *testing.T) {
	b := newTestBuilder(t)

	tx, err := b.Build(&BuildRequest{To: recipient, Value: big.NewInt(1), LiveGasPrice: big.NewInt(99)})

	require.NoError(t, err)
	assert.Equal(t, DefaultTransferGasPrice, tx.GasPrice)
}

func TestBuild_PayloadWithinBudget(t *testing.T) {
	b := newTestBuilder(t)
	payload := PricePayload(models.PriceQuote("1800.42"))

	tx, err := b.Build(&BuildRequest{
		To:           recipient,
		Value:        big.NewInt(1),
		Nonce:        3,
		LiveGasPrice: big.NewInt(12345),
		Payload:      payload,
	})

	require.NoError(t, err)
	assert.Equal(t, []byte("1800.42"), tx.Data)
	assert.Equal(t, big.NewInt(12345), tx.GasPrice)
	assert.Equal(t, uint64(DefaultPayloadGasLimit), tx.GasLimit)
	assert.True(t, tx.HasPayload())
}

func TestBuild_PayloadTooLarge(t *testing.T) {
	b := newTestBuilder(t)
	// (100000-21000)/16 = 4937.5，4938 个非零字节超出预算
	payload := bytes.Repeat([]byte{0xff}, 4938)

	_, err := b.Build(&BuildRequest{To: recipient, Value: big.NewInt(1), LiveGasPrice: big.NewInt(1), Payload: payload})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePayloadTooLarge))

	_, err = b.Build(&BuildRequest{To: recipient, Value: big.NewInt(1), LiveGasPrice: big.NewInt(1), Payload: payload[:4937]})
	assert.NoError(t, err)
}

func TestBuild_PayloadRequiresLiveGasPrice(t *testing.T) {
	b := newTestBuilder(t)

	_, err := b.Build(&BuildRequest{To: recipient, Value: big.NewInt(1), Payload: []byte("1")})

	require.Error(t, err)
	assert.Equal(t, "MISSING_GAS_PRICE", errors.CodeOf(err))
}

func TestBuild_InvalidInput(t *testing.T) {
	b := newTestBuilder(t)
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	tests := []struct {
		name string
		req  *BuildRequest
		code string
	}{
		{"short address", &BuildRequest{To: "0x1234", Value: big.NewInt(1)}, "INVALID_ADDRESS"},
		{"not hex", &BuildRequest{To: "zz11111111111111111111111111111111111111", Value: big.NewInt(1)}, "INVALID_ADDRESS"},
		{"empty", &BuildRequest{To: "", Value: big.NewInt(1)}, "INVALID_ADDRESS"},
		{"negative", &BuildRequest{To: recipient, Value: big.NewInt(-1)}, "INVALID_AMOUNT"},
		{"over u256", &BuildRequest{To: recipient, Value: tooBig}, "INVALID_AMOUNT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidInput))
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestNewBuilder_Validation(t *testing.T) {
	_, err := NewBuilder(Config{})
	assert.Error(t, err)

	_, err = NewBuilder(Config{ChainID: big.NewInt(5), PayloadGasLimit: 100})
	assert.Error(t, err)
}
