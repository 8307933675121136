package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"ethagent/internal/retry"
)

// Namespace 签名服务的 JSON-RPC 命名空间
const Namespace = "tsig"

// SignArgs tsig_signTransaction 参数
type SignArgs struct {
	KeyName      string          `json:"keyName"`
	Path         []hexutil.Bytes `json:"path"`
	ChainID      *hexutil.Big    `json:"chainId"`
	Tx           hexutil.Bytes   `json:"tx"`
	Digest       common.Hash     `json:"digest"`
	SignCostHint *hexutil.Uint64 `json:"signCostHint,omitempty"`
}

// RemoteSigner 通过 JSON-RPC 访问远端门限签名服务
type RemoteSigner struct {
	client *rpc.Client
	logger *logrus.Logger
}

// NewRemoteSigner 基于已建立的 RPC 连接创建签名客户端
func NewRemoteSigner(client *rpc.Client, logger *logrus.Logger) *RemoteSigner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RemoteSigner{client: client, logger: logger}
}

// DialRemoteSigner 拨号远端签名服务
func DialRemoteSigner(ctx context.Context, url string, retrier *retry.Retrier, logger *logrus.Logger) (*RemoteSigner, error) {
	var client *rpc.Client
	err := retrier.Execute(ctx, "dial_signer", func(ctx context.Context) error {
		c, err := rpc.DialContext(ctx, url)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("连接签名服务失败: %w", err)
	}

	return NewRemoteSigner(client, logger), nil
}

// PublicKey 查询派生公钥
func (s *RemoteSigner) PublicKey(ctx context.Context, spec DerivationSpec) ([]byte, error) {
	var pub hexutil.Bytes
	if err := s.client.CallContext(ctx, &pub, Namespace+"_publicKey", spec.KeyName, encodePath(spec.DerivationPath)); err != nil {
		return nil, err
	}
	return pub, nil
}

// Sign 请求签名
func (s *RemoteSigner) Sign(ctx context.Context, req *SignRequest) ([]byte, error) {
	args := SignArgs{
		KeyName: req.Spec.KeyName,
		Path:    encodePath(req.Spec.DerivationPath),
		ChainID: (*hexutil.Big)(req.ChainID),
		Tx:      req.Tx,
		Digest:  req.Digest,
	}
	if req.Spec.SignCostHint != nil {
		hint := hexutil.Uint64(*req.Spec.SignCostHint)
		args.SignCostHint = &hint
	}

	var sig hexutil.Bytes
	if err := s.client.CallContext(ctx, &sig, Namespace+"_signTransaction", args); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"component": "remote_signer",
		"key_name":  req.Spec.KeyName,
		"digest":    req.Digest.Hex(),
	}).Debug("远端签名完成")

	return sig, nil
}

// Close 关闭连接
func (s *RemoteSigner) Close() {
	s.client.Close()
}

func encodePath(path [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(path))
	for i, p := range path {
		out[i] = hexutil.Bytes(p)
	}
	return out
}

func decodePath(path []hexutil.Bytes) [][]byte {
	out := make([][]byte, len(path))
	for i, p := range path {
		out[i] = []byte(p)
	}
	return out
}
