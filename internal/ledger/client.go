// Package ledger mirrors attendance events to an on-chain Attendance
// contract. The mirror is best-effort only: primary storage is the source of
// truth, and a failed or absent ledger never affects an HTTP response.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// markAttendanceABI covers the single contract method the mirror calls. The
// student address is a placeholder (the system keys students by email, not
// by wallet), so the zero address is passed.
const markAttendanceABI = `[{"inputs":[{"internalType":"string","name":"subject","type":"string"},{"internalType":"string","name":"className","type":"string"},{"internalType":"address","name":"student","type":"address"},{"internalType":"uint256","name":"date","type":"uint256"},{"internalType":"bool","name":"present","type":"bool"}],"name":"markAttendance","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

const defaultGasLimit = 200_000

// Client submits markAttendance transactions signed with a configured key.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	abi      abi.ABI
	gasLimit uint64
}

// Dial connects to the RPC endpoint and prepares the signer. Returns an
// error when the contract address or signer key is missing or malformed, or
// the node is unreachable; callers treat any error as "mirror disabled".
func Dial(ctx context.Context, rpcURL, contractAddr, signerKey string) (*Client, error) {
	if contractAddr == "" || signerKey == "" {
		return nil, errors.New("contract address and signer key required")
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(signerKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(markAttendanceABI))
	if err != nil {
		eth.Close()
		return nil, err
	}
	return &Client{
		eth:      eth,
		contract: common.HexToAddress(contractAddr),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		abi:      parsed,
		gasLimit: defaultGasLimit,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c != nil && c.eth != nil {
		c.eth.Close()
	}
}

// Healthy reports whether the node answers.
func (c *Client) Healthy(ctx context.Context) bool {
	if c == nil || c.eth == nil {
		return false
	}
	_, err := c.eth.BlockNumber(ctx)
	return err == nil
}

// MarkAttendance submits one attendance observation and waits for the
// receipt. The date goes on chain as epoch seconds at midnight UTC.
func (c *Client) MarkAttendance(ctx context.Context, subject, className string, date time.Time, present bool) (string, error) {
	data, err := c.abi.Pack("markAttendance", subject, className, common.Address{}, big.NewInt(date.Unix()), present)
	if err != nil {
		return "", fmt.Errorf("encode call: %w", err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), c.gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return "", fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("tx %s reverted", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}
