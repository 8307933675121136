package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ethagent/internal/errors"
	"ethagent/pkg/models"
)

// Resolver 身份到以太坊地址的解析器
type Resolver struct {
	signer ThresholdSigner
}

// NewResolver 创建地址解析器
func NewResolver(signer ThresholdSigner) *Resolver {
	return &Resolver{signer: signer}
}

// ResolveAddress 按身份和密钥名解析地址
func (r *Resolver) ResolveAddress(ctx context.Context, identity models.AgentIdentity, keyName string) (common.Address, error) {
	return r.Resolve(ctx, NewDerivationSpec(identity, keyName, nil))
}

// Resolve 按派生描述解析地址，同一描述始终得到同一地址
func (r *Resolver) Resolve(ctx context.Context, spec DerivationSpec) (common.Address, error) {
	pub, err := r.signer.PublicKey(ctx, spec)
	if err != nil {
		return common.Address{}, errors.SigningBackendError(err, "获取公钥失败")
	}

	addr, err := AddressFromPublicKey(pub)
	if err != nil {
		return common.Address{}, errors.SigningBackendError(err, "公钥格式无效")
	}
	return addr, nil
}

// AddressFromPublicKey SEC1 公钥转地址：keccak256(未压缩公钥去掉 0x04 前缀) 的后 20 字节
func AddressFromPublicKey(pub []byte) (common.Address, error) {
	var (
		key *ecdsa.PublicKey
		err error
	)

	switch len(pub) {
	case 33:
		key, err = crypto.DecompressPubkey(pub)
	case 65:
		key, err = crypto.UnmarshalPubkey(pub)
	default:
		return common.Address{}, fmt.Errorf("公钥长度 %d 无效", len(pub))
	}
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(*key), nil
}
