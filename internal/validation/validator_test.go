package validation

import (
	"math/big"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethagent/internal/errors"
)

const recipient = "0x1111111111111111111111111111111111111111"

func TestNewValidator(t *testing.T) {
	validator := NewValidator(logrus.New(), 0)

	assert.NotNil(t, validator)
	assert.Equal(t, 3, len(validator.rules)) // 默认注册的规则数量
	assert.Contains(t, validator.rules["payload"].Description(), "100000")
}

func TestParseAddress_OptionalPrefix(t *testing.T) {
	withPrefix, err := ParseAddress(recipient)
	require.NoError(t, err)

	without, err := ParseAddress(recipient[2:])
	require.NoError(t, err)

	upper, err := ParseAddress("0X" + recipient[2:])
	require.NoError(t, err)

	assert.Equal(t, withPrefix, without)
	assert.Equal(t, withPrefix, upper)
}

func TestIntrinsicGas(t *testing.T) {
	assert.Equal(t, uint64(21000), IntrinsicGas(nil))
	assert.Equal(t, uint64(21000+16+4), IntrinsicGas([]byte{1, 0}))
}

func TestValidateSend(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	tests := []struct {
		name string
		req  *SendRequest
		code string
	}{
		{"valid", &SendRequest{To: recipient, Value: big.NewInt(1)}, ""},
		{"valid without prefix", &SendRequest{To: recipient[2:], Value: big.NewInt(0)}, ""},
		{"nil value", &SendRequest{To: recipient}, ""},
		{"short address", &SendRequest{To: "0x1234", Value: big.NewInt(1)}, "INVALID_ADDRESS"},
		{"empty address", &SendRequest{To: "", Value: big.NewInt(1)}, "INVALID_ADDRESS"},
		{"negative", &SendRequest{To: recipient, Value: big.NewInt(-1)}, "INVALID_AMOUNT"},
		{"over u256", &SendRequest{To: recipient, Value: tooBig}, "INVALID_AMOUNT"},
		{"payload within budget", &SendRequest{To: recipient, Value: big.NewInt(1), Payload: []byte("1800.42")}, ""},
		{"payload too large", &SendRequest{To: recipient, Value: big.NewInt(1), Payload: []byte(strings.Repeat("9", 5000))}, "PAYLOAD_TOO_LARGE"},
	}

	validator := NewValidator(logrus.New(), 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateSend(tt.req)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestValidateSend_StopsAtFirstFailure(t *testing.T) {
	validator := NewValidator(logrus.New(), 0)

	err := validator.ValidateSend(&SendRequest{To: "bad", Value: big.NewInt(-1)})
	assert.Equal(t, "INVALID_ADDRESS", errors.CodeOf(err))

	stats := validator.GetValidationStats()
	assert.Equal(t, uint64(0), stats["passed"])
	assert.Equal(t, map[string]uint64{"address": 1}, stats["failed"])
}

func TestPayloadValidationRule_CustomLimit(t *testing.T) {
	rule := NewPayloadValidationRule(21000 + 16)

	assert.NoError(t, rule.Validate([]byte{1}))
	assert.True(t, errors.IsType(rule.Validate([]byte{1, 1}), errors.ErrorTypePayloadTooLarge))
	assert.Error(t, rule.Validate("not bytes"))
}

func TestValidator_UnknownRule(t *testing.T) {
	validator := NewValidator(logrus.New(), 0)
	assert.Error(t, validator.Validate("hash", "0x00"))
}
