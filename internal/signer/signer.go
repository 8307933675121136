package signer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ethagent/pkg/models"
)

// DerivationSpec 密钥派生描述，每次请求重新构造，不跨请求复用
type DerivationSpec struct {
	DerivationPath [][]byte
	KeyName        string
	SignCostHint   *uint64
}

// NewDerivationSpec 以身份字节作为唯一路径分量构造派生描述
func NewDerivationSpec(identity models.AgentIdentity, keyName string, costHint *uint64) DerivationSpec {
	var hint *uint64
	if costHint != nil {
		h := *costHint
		hint = &h
	}

	return DerivationSpec{
		DerivationPath: [][]byte{identity.Bytes()},
		KeyName:        keyName,
		SignCostHint:   hint,
	}
}

// SignRequest 签名请求
type SignRequest struct {
	Spec    DerivationSpec
	ChainID *big.Int
	Tx      []byte      // 未签名交易的 RLP 编码
	Digest  common.Hash // EIP-155 签名哈希
}

// ThresholdSigner 门限签名服务
//
// 实现方只暴露公钥和签名能力，私钥材料永远不会离开实现方。
type ThresholdSigner interface {
	// PublicKey 返回 SEC1 编码的公钥（33 字节压缩或 65 字节未压缩）
	PublicKey(ctx context.Context, spec DerivationSpec) ([]byte, error)
	// Sign 返回 64 字节 r||s 或 65 字节 r||s||v 签名
	Sign(ctx context.Context, req *SignRequest) ([]byte, error)
}
