package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
	"ethagent/internal/logging"
	"ethagent/pkg/models"
)

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)
)

// Gateway 门限签名网关
//
// 对签名结果做 low-s 规范化，并通过公钥恢复确认签名属于预期的发送方。
type Gateway struct {
	signer  ThresholdSigner
	chainID *big.Int
	logger  *logrus.Entry
}

// NewGateway 创建签名网关
func NewGateway(signer ThresholdSigner, chainID *big.Int, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		signer:  signer,
		chainID: new(big.Int).Set(chainID),
		logger:  logging.NewComponentLogger(logger, "signer_gateway"),
	}
}

// Sign 签名交易并返回可广播的原始交易
func (g *Gateway) Sign(ctx context.Context, tx *models.UnsignedTransaction, sender common.Address, spec DerivationSpec) (*models.SignedTransaction, error) {
	if tx.ChainID == nil || tx.ChainID.Cmp(g.chainID) != 0 {
		return nil, errors.SigningFailed(fmt.Errorf("交易链ID %v 与网关链ID %v 不一致", tx.ChainID, g.chainID), "链ID不匹配").
			WithContext("check", "chain_id_mismatch")
	}

	legacy := tx.LegacyTx()
	txSigner := types.NewEIP155Signer(g.chainID)
	digest := txSigner.Hash(legacy)

	unsigned, err := rlp.EncodeToBytes([]interface{}{
		legacy.Nonce(), legacy.GasPrice(), legacy.Gas(), legacy.To(), legacy.Value(), legacy.Data(),
		g.chainID, uint(0), uint(0),
	})
	if err != nil {
		return nil, errors.SigningFailed(err, "编码未签名交易失败")
	}

	sig, err := g.signer.Sign(ctx, &SignRequest{
		Spec:    spec,
		ChainID: new(big.Int).Set(g.chainID),
		Tx:      unsigned,
		Digest:  digest,
	})
	if err != nil {
		return nil, errors.SigningFailed(err, "签名服务调用失败")
	}

	normalized, err := recoverableSignature(sig, digest, sender)
	if err != nil {
		return nil, errors.SigningFailed(err, "签名与发送方不匹配").WithContext("check", "sender_mismatch")
	}

	signed, err := legacy.WithSignature(txSigner, normalized)
	if err != nil {
		return nil, errors.SigningFailed(err, "组装签名交易失败")
	}

	from, err := types.Sender(txSigner, signed)
	if err != nil || from != sender {
		return nil, errors.SigningFailed(fmt.Errorf("恢复出的发送方 %s 与预期 %s 不一致", from.Hex(), sender.Hex()), "签名与发送方不匹配").
			WithContext("check", "sender_mismatch")
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, errors.SigningFailed(err, "编码签名交易失败")
	}

	g.logger.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"sender":  sender.Hex(),
		"nonce":   tx.Nonce,
	}).Debug("交易签名完成")

	return &models.SignedTransaction{Raw: raw, Hash: signed.Hash()}, nil
}

// recoverableSignature 规范化为 low-s 并确定恢复位，返回 65 字节 r||s||v(0/1)
func recoverableSignature(sig []byte, digest common.Hash, sender common.Address) ([]byte, error) {
	if len(sig) != 64 && len(sig) != 65 {
		return nil, fmt.Errorf("签名长度 %d 无效", len(sig))
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if r.Sign() == 0 || s.Sign() == 0 || r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0 {
		return nil, fmt.Errorf("签名数值越界")
	}
	if s.Cmp(secp256k1HalfN) > 0 {
		s.Sub(secp256k1N, s)
	}

	candidate := make([]byte, 65)
	copy(candidate[:32], sig[:32])
	s.FillBytes(candidate[32:64])

	for v := byte(0); v < 2; v++ {
		candidate[64] = v
		pub, err := crypto.SigToPub(digest[:], candidate)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == sender {
			return candidate, nil
		}
	}

	return nil, fmt.Errorf("签名无法恢复出发送方 %s", sender.Hex())
}
