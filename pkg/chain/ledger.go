package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/charmverse/app.charmverse.io-sub007/pkg/attest"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/credentials"
	"github.com/charmverse/app.charmverse.io-sub007/pkg/limiter"
)

// TxStatus is the ledger state of a pending batch transaction.
type TxStatus struct {
	SafeTxHash      string
	Confirmed       bool
	TransactionHash string
}

// Network bundles the clients for one chain.
type Network struct {
	Chain attest.Chain
	Safe  *SafeClient
	EAS   *EASClient

	closer func()
}

// Networks routes ledger calls by chain id.
type Networks struct {
	byID     map[int64]*Network
	delegate *ecdsa.PrivateKey
	logger   *slog.Logger
}

// NewNetworks builds a router over nets. delegate signs Safe proposals and
// may be nil when the process never submits batches.
func NewNetworks(delegate *ecdsa.PrivateKey, nets ...*Network) *Networks {
	n := &Networks{
		byID:     make(map[int64]*Network, len(nets)),
		delegate: delegate,
		logger:   slog.Default().With("component", "chain"),
	}
	for _, net := range nets {
		n.byID[net.Chain.ID] = net
	}
	return n
}

// DialNetworks connects to every chain that has an RPC endpoint configured.
func DialNetworks(ctx context.Context, chains []attest.Chain, doer Doer, l limiter.Limiter, delegate *ecdsa.PrivateKey) (*Networks, error) {
	nets := make([]*Network, 0, len(chains))
	for _, c := range chains {
		net := &Network{Chain: c}
		if c.SafeServiceURL != "" {
			net.Safe = NewSafeClient(c.SafeServiceURL, doer)
		}
		if c.RPCURL != "" {
			client, err := ethclient.DialContext(ctx, c.RPCURL)
			if err != nil {
				for _, opened := range nets {
					opened.close()
				}
				return nil, fmt.Errorf("dial %s: %w", c.Name, err)
			}
			net.EAS = NewEASClient(client, c.EAS(), l)
			net.closer = client.Close
		}
		nets = append(nets, net)
	}
	return NewNetworks(delegate, nets...), nil
}

func (n *Network) close() {
	if n.closer != nil {
		n.closer()
	}
}

// Close releases RPC connections.
func (n *Networks) Close() {
	for _, net := range n.byID {
		net.close()
	}
}

func (n *Networks) Get(chainID int64) (*Network, error) {
	net, ok := n.byID[chainID]
	if !ok {
		return nil, credentials.Invalid("chainId", fmt.Errorf("%w: %d", ErrNoNetwork, chainID))
	}
	return net, nil
}

// IDs lists configured chain ids in ascending order.
func (n *Networks) IDs() []int64 {
	ids := make([]int64, 0, len(n.byID))
	for id := range n.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Transaction reports the state of a Safe transaction. A transaction the
// service does not know returns credentials.ErrTransactionNotFound, and so
// does one that can never succeed: it reverted, or the Safe's nonce moved
// past it.
func (n *Networks) Transaction(ctx context.Context, chainID int64, safeTxHash string) (TxStatus, error) {
	net, err := n.Get(chainID)
	if err != nil {
		return TxStatus{}, err
	}
	if net.Safe == nil {
		return TxStatus{}, fmt.Errorf("chain %d: no safe service configured", chainID)
	}
	tx, err := net.Safe.GetTransaction(ctx, safeTxHash)
	if err != nil {
		return TxStatus{}, err
	}
	status := TxStatus{SafeTxHash: safeTxHash}
	if !tx.IsExecuted || tx.TransactionHash == "" {
		if tx.IsExecuted || !common.IsHexAddress(tx.Safe) {
			return status, nil
		}
		// Another transaction executed at this nonce; this one never will.
		current, err := net.Safe.Nonce(ctx, common.HexToAddress(tx.Safe))
		if err != nil {
			return TxStatus{}, err
		}
		if uint64(tx.Nonce) < current {
			return TxStatus{}, fmt.Errorf("safe tx %s replaced at nonce %d (safe nonce %d): %w",
				safeTxHash, uint64(tx.Nonce), current, credentials.ErrTransactionNotFound)
		}
		return status, nil
	}
	if tx.IsSuccessful != nil && !*tx.IsSuccessful {
		return TxStatus{}, fmt.Errorf("safe tx %s reverted: %w", safeTxHash, credentials.ErrTransactionNotFound)
	}
	status.Confirmed = true
	status.TransactionHash = tx.TransactionHash
	return status, nil
}

// SubmitBatch proposes one multiAttest call to the Safe and returns the
// Safe transaction hash.
func (n *Networks) SubmitBatch(ctx context.Context, chainID int64, safeAddress string, reqs []MultiAttestationRequest) (string, error) {
	if n.delegate == nil {
		return "", credentials.Invalid("signer", credentials.ErrMissingSigner)
	}
	safe, err := attest.ValidateAddress("safeAddress", safeAddress)
	if err != nil {
		return "", err
	}
	net, err := n.Get(chainID)
	if err != nil {
		return "", err
	}
	if net.Safe == nil {
		return "", fmt.Errorf("chain %d: no safe service configured", chainID)
	}

	data, err := PackMultiAttest(reqs)
	if err != nil {
		return "", err
	}
	nonce, err := net.Safe.NextNonce(ctx, safe)
	if err != nil {
		return "", err
	}
	tx := SafeTx{To: net.Chain.EAS(), Data: data, Nonce: nonce}
	hash, err := SafeTxHash(chainID, safe, tx)
	if err != nil {
		return "", err
	}
	sig, err := attest.SignDigest(hash, func(h []byte) ([]byte, error) { return crypto.Sign(h, n.delegate) })
	if err != nil {
		return "", fmt.Errorf("sign safe tx: %w", err)
	}

	zero := common.Address{}.Hex()
	err = net.Safe.Propose(ctx, safe, SafeProposal{
		To:                      tx.To.Hex(),
		Value:                   "0",
		Data:                    bytesHex(data),
		Operation:               tx.Operation,
		SafeTxGas:               "0",
		BaseGas:                 "0",
		GasPrice:                "0",
		GasToken:                zero,
		RefundReceiver:          zero,
		Nonce:                   nonce,
		ContractTransactionHash: hash.Hex(),
		Sender:                  crypto.PubkeyToAddress(n.delegate.PublicKey).Hex(),
		Signature:               bytesHex(sig),
		Origin:                  "credentiald",
	})
	if err != nil {
		return "", err
	}
	n.logger.InfoContext(ctx, "safe transaction proposed",
		"chain_id", chainID, "safe", safe.Hex(), "safe_tx_hash", hash.Hex(), "nonce", nonce)
	return hash.Hex(), nil
}
