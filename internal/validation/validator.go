package validation

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/params"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
)

// DefaultPayloadGasLimit 携带载荷交易的默认 gas 上限
const DefaultPayloadGasLimit = 100000

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// SendRequest 待校验的转账请求，Payload 为空时跳过载荷规则
type SendRequest struct {
	To      string
	Value   *big.Int
	Payload []byte
}

// Validator 转账请求验证器，只做本地检查
type Validator struct {
	logger *logrus.Logger
	rules  map[string]ValidationRule

	mu     sync.Mutex
	passed uint64
	failed map[string]uint64
}

// NewValidator 创建验证器，payloadGasLimit 为 0 时使用默认值
func NewValidator(logger *logrus.Logger, payloadGasLimit uint64) *Validator {
	v := &Validator{
		logger: logger,
		rules:  make(map[string]ValidationRule),
		failed: make(map[string]uint64),
	}

	v.AddRule(NewAddressValidationRule())
	v.AddRule(NewAmountValidationRule())
	v.AddRule(NewPayloadValidationRule(payloadGasLimit))

	return v
}

// AddRule 添加验证规则，同名规则会被替换
func (v *Validator) AddRule(rule ValidationRule) {
	v.mu.Lock()
	v.rules[rule.Name()] = rule
	v.mu.Unlock()
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// Validate 按名称执行单条规则
func (v *Validator) Validate(name string, data interface{}) error {
	v.mu.Lock()
	rule, ok := v.rules[name]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("未注册的验证规则: %s", name)
	}

	err := rule.Validate(data)
	v.record(name, err)
	return err
}

// ValidateSend 依次校验地址、金额和载荷，返回第一个失败
func (v *Validator) ValidateSend(req *SendRequest) error {
	if err := v.Validate("address", req.To); err != nil {
		return err
	}
	if err := v.Validate("amount", req.Value); err != nil {
		return err
	}
	if len(req.Payload) > 0 {
		if err := v.Validate("payload", req.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) record(name string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		v.passed++
		return
	}
	v.failed[name]++
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	failed := make(map[string]uint64, len(v.failed))
	for k, n := range v.failed {
		failed[k] = n
	}
	return map[string]interface{}{
		"registered_rules": len(v.rules),
		"passed":           v.passed,
		"failed":           failed,
	}
}

// ParseAddress 解析 20 字节十六进制地址，0x/0X 前缀可选
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.InvalidInput("INVALID_ADDRESS", fmt.Sprintf("无效的以太坊地址: %q", s))
	}
	return common.HexToAddress(s), nil
}

// CheckAmount 金额必须在 [0, 2^256-1] 内，nil 视为 0
func CheckAmount(value *big.Int) error {
	if value == nil {
		return nil
	}
	if value.Sign() < 0 || value.Cmp(math.MaxBig256) > 0 {
		return errors.InvalidInput("INVALID_AMOUNT", fmt.Sprintf("金额超出范围: %s", value.String()))
	}
	return nil
}

// IntrinsicGas 计算普通调用的固有 gas（EIP-2028 calldata 计价）
func IntrinsicGas(data []byte) uint64 {
	gas := params.TxGas
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}

// CheckPayload 载荷的固有 gas 不能超过上限
func CheckPayload(payload []byte, gasLimit uint64) error {
	if IntrinsicGas(payload) > gasLimit {
		return errors.PayloadTooLarge(len(payload), gasLimit)
	}
	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct{}

func NewAddressValidationRule() *AddressValidationRule {
	return &AddressValidationRule{}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "20 字节以太坊地址，0x 前缀可选"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return errors.InvalidInput("INVALID_ADDRESS", "地址必须是字符串")
	}
	_, err := ParseAddress(addr)
	return err
}

// AmountValidationRule 金额验证规则
type AmountValidationRule struct{}

func NewAmountValidationRule() *AmountValidationRule {
	return &AmountValidationRule{}
}

func (r *AmountValidationRule) Name() string {
	return "amount"
}

func (r *AmountValidationRule) Description() string {
	return "金额为 u256 范围内的非负整数"
}

func (r *AmountValidationRule) Validate(data interface{}) error {
	switch v := data.(type) {
	case *big.Int:
		return CheckAmount(v)
	case uint64:
		return nil
	default:
		return errors.InvalidInput("INVALID_AMOUNT", fmt.Sprintf("不支持的金额类型: %T", data))
	}
}

// PayloadValidationRule 载荷 gas 预算规则
type PayloadValidationRule struct {
	gasLimit uint64
}

func NewPayloadValidationRule(gasLimit uint64) *PayloadValidationRule {
	if gasLimit == 0 {
		gasLimit = DefaultPayloadGasLimit
	}
	return &PayloadValidationRule{gasLimit: gasLimit}
}

func (r *PayloadValidationRule) Name() string {
	return "payload"
}

func (r *PayloadValidationRule) Description() string {
	return fmt.Sprintf("载荷固有 gas 不超过 %d", r.gasLimit)
}

func (r *PayloadValidationRule) Validate(data interface{}) error {
	payload, ok := data.([]byte)
	if !ok {
		return fmt.Errorf("数据类型不是字节数组")
	}
	return CheckPayload(payload, r.gasLimit)
}
