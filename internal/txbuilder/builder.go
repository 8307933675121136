package txbuilder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	"ethagent/internal/errors"
	"ethagent/internal/validation"
	"ethagent/pkg/models"
)

const (
	DefaultTransferGasLimit = params.TxGas
	DefaultPayloadGasLimit  = validation.DefaultPayloadGasLimit
)

// DefaultTransferGasPrice 普通转账固定 gas 价格 10 gwei
var DefaultTransferGasPrice = big.NewInt(params.GWei * 10)

// Config 构建参数
type Config struct {
	ChainID          *big.Int
	TransferGasLimit uint64
	TransferGasPrice *big.Int
	PayloadGasLimit  uint64
}

// BuildRequest 构建请求
type BuildRequest struct {
	To           string
	Value        *big.Int
	Nonce        uint64
	LiveGasPrice *big.Int
	Payload      []byte
}

// Builder 交易构建器，纯函数，不做任何远程调用
type Builder struct {
	config Config
}

// NewBuilder 创建构建器
func NewBuilder(config Config) (*Builder, error) {
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("无效的链ID: %v", config.ChainID)
	}
	if config.TransferGasLimit == 0 {
		config.TransferGasLimit = DefaultTransferGasLimit
	}
	if config.TransferGasPrice == nil {
		config.TransferGasPrice = new(big.Int).Set(DefaultTransferGasPrice)
	}
	if config.PayloadGasLimit == 0 {
		config.PayloadGasLimit = DefaultPayloadGasLimit
	}
	if config.TransferGasLimit < params.TxGas || config.PayloadGasLimit < params.TxGas {
		return nil, fmt.Errorf("gas 上限不能低于 %d", params.TxGas)
	}

	return &Builder{config: config}, nil
}

// ChainID 返回构建器使用的链ID
func (b *Builder) ChainID() *big.Int {
	return new(big.Int).Set(b.config.ChainID)
}

// Build 构建未签名交易
func (b *Builder) Build(req *BuildRequest) (*models.UnsignedTransaction, error) {
	to, err := validation.ParseAddress(req.To)
	if err != nil {
		return nil, err
	}
	if err := validation.CheckAmount(req.Value); err != nil {
		return nil, err
	}
	value := new(big.Int)
	if req.Value != nil {
		value.Set(req.Value)
	}

	tx := &models.UnsignedTransaction{
		To:      to,
		Nonce:   req.Nonce,
		Value:   value,
		Data:    []byte{},
		ChainID: b.ChainID(),
	}

	if len(req.Payload) == 0 {
		tx.GasLimit = b.config.TransferGasLimit
		tx.GasPrice = new(big.Int).Set(b.config.TransferGasPrice)
		return tx, nil
	}

	if req.LiveGasPrice == nil || req.LiveGasPrice.Sign() < 0 {
		return nil, errors.InvalidInput("MISSING_GAS_PRICE", "携带载荷的交易必须提供实时 gas 价格")
	}

	if err := validation.CheckPayload(req.Payload, b.config.PayloadGasLimit); err != nil {
		return nil, err
	}

	tx.GasLimit = b.config.PayloadGasLimit
	tx.GasPrice = new(big.Int).Set(req.LiveGasPrice)
	tx.Data = make([]byte, len(req.Payload))
	copy(tx.Data, req.Payload)

	return tx, nil
}

// PricePayload 报价的载荷编码，即报价字符串本身的字节
func PricePayload(quote models.PriceQuote) []byte {
	return []byte(quote.String())
}
