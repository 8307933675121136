package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// DevSigner 本地确定性测试签名后端，只用于开发与测试环境
type DevSigner struct {
	seed []byte
}

// NewDevSigner 创建测试签名后端
func NewDevSigner(seed string) (*DevSigner, error) {
	if seed == "" {
		return nil, fmt.Errorf("测试签名种子不能为空")
	}
	return &DevSigner{seed: []byte(seed)}, nil
}

// deriveKey key = keccak256(...keccak256(keccak256(seed), keyName)..., path[i])
func (d *DevSigner) deriveKey(spec DerivationSpec) (*ecdsa.PrivateKey, error) {
	h := crypto.Keccak256(d.seed)
	h = crypto.Keccak256(h, []byte(spec.KeyName))
	for _, p := range spec.DerivationPath {
		h = crypto.Keccak256(h, p)
	}

	key, err := crypto.ToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return key, nil
}

// PublicKey 返回压缩公钥
func (d *DevSigner) PublicKey(ctx context.Context, spec DerivationSpec) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := d.deriveKey(spec)
	if err != nil {
		return nil, err
	}
	return crypto.CompressPubkey(&key.PublicKey), nil
}

// Sign 对摘要签名，返回 r||s||v
func (d *DevSigner) Sign(ctx context.Context, req *SignRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := d.deriveKey(req.Spec)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(req.Digest[:], key)
}

// NewRPCServer 将任意签名后端暴露为 tsig 命名空间的 JSON-RPC 服务
func NewRPCServer(backend ThresholdSigner) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(Namespace, NewSignerService(backend)); err != nil {
		return nil, fmt.Errorf("注册签名服务失败: %w", err)
	}
	return server, nil
}
