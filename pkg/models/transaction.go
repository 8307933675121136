package models

import (
	"encoding/hex"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// UnsignedTransaction 待签名交易
//
// Nonce 必须等于构建时发送方在链上的交易计数，过期的 nonce 会导致交易被拒绝或被替换。
type UnsignedTransaction struct {
	To       common.Address `json:"to"`
	Nonce    uint64         `json:"nonce"`
	Value    *big.Int       `json:"value"`
	GasPrice *big.Int       `json:"gas_price"`
	GasLimit uint64         `json:"gas_limit"`
	Data     []byte         `json:"data"`
	ChainID  *big.Int       `json:"chain_id"`
}

// HasPayload 是否携带数据载荷
func (t *UnsignedTransaction) HasPayload() bool {
	return len(t.Data) > 0
}

// LegacyTx 转换为 go-ethereum 的 legacy 交易（EIP-155 签名）
func (t *UnsignedTransaction) LegacyTx() *types.Transaction {
	to := t.To
	value := new(big.Int)
	if t.Value != nil {
		value.Set(t.Value)
	}
	gasPrice := new(big.Int)
	if t.GasPrice != nil {
		gasPrice.Set(t.GasPrice)
	}
	data := make([]byte, len(t.Data))
	copy(data, t.Data)

	return types.NewTx(&types.LegacyTx{
		Nonce:    t.Nonce,
		GasPrice: gasPrice,
		Gas:      t.GasLimit,
		To:       &to,
		Value:    value,
		Data:     data,
	})
}

// SignedTransaction 已签名交易，Raw 为可直接广播的 RLP 编码
type SignedTransaction struct {
	Raw  []byte      `json:"raw"`
	Hash common.Hash `json:"hash"`
}

// RawHex 返回带 0x 前缀的原始交易
func (s *SignedTransaction) RawHex() string {
	return "0x" + hex.EncodeToString(s.Raw)
}

// HexNoPrefix 以小写十六进制（不带 0x 前缀）输出字节
func HexNoPrefix(b []byte) string {
	return hex.EncodeToString(b)
}
