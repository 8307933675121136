package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignerService tsig 命名空间的 RPC 服务端
type SignerService struct {
	backend ThresholdSigner
}

// NewSignerService 创建 RPC 服务端
func NewSignerService(backend ThresholdSigner) *SignerService {
	return &SignerService{backend: backend}
}

// PublicKey tsig_publicKey
func (s *SignerService) PublicKey(ctx context.Context, keyName string, path []hexutil.Bytes) (hexutil.Bytes, error) {
	pub, err := s.backend.PublicKey(ctx, DerivationSpec{KeyName: keyName, DerivationPath: decodePath(path)})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// SignTransaction tsig_signTransaction
func (s *SignerService) SignTransaction(ctx context.Context, args SignArgs) (hexutil.Bytes, error) {
	if args.ChainID == nil {
		return nil, fmt.Errorf("缺少 chainId")
	}

	spec := DerivationSpec{KeyName: args.KeyName, DerivationPath: decodePath(args.Path)}
	if args.SignCostHint != nil {
		hint := uint64(*args.SignCostHint)
		spec.SignCostHint = &hint
	}

	sig, err := s.backend.Sign(ctx, &SignRequest{
		Spec:    spec,
		ChainID: new(big.Int).Set(args.ChainID.ToInt()),
		Tx:      args.Tx,
		Digest:  args.Digest,
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}
