package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"golang.org/x/time/rate"

	"github.com/oakvault/wallet-engine/internal/app/apperr"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Config holds client configuration. The bundler and paymaster URLs
// default to the node RPC URL, which matches providers that multiplex all
// three behind one endpoint.
type Config struct {
	RPCURL       string
	BundlerURL   string
	PaymasterURL string
	EntryPoint   string
	Timeout      time.Duration

	// SubmitRatePerSec throttles eth_sendUserOperation submissions.
	SubmitRatePerSec float64

	ReceiptPollAttempts int
	ReceiptPollInterval time.Duration
}

// Client is the JSON-RPC gateway to the node, bundler and paymaster.
type Client struct {
	rpcURL       string
	bundlerURL   string
	paymasterURL string
	entryPoint   string
	httpClient   *http.Client

	submitLimiter *rate.Limiter
	pollAttempts  int
	pollInterval  time.Duration

	log *logger.Logger
}

// NewClient creates a chain client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	if cfg.BundlerURL == "" {
		cfg.BundlerURL = cfg.RPCURL
	}
	if cfg.PaymasterURL == "" {
		cfg.PaymasterURL = cfg.RPCURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SubmitRatePerSec <= 0 {
		cfg.SubmitRatePerSec = 5
	}
	if cfg.ReceiptPollAttempts <= 0 {
		cfg.ReceiptPollAttempts = 30
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 3 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("chain")
	}

	return &Client{
		rpcURL:        cfg.RPCURL,
		bundlerURL:    cfg.BundlerURL,
		paymasterURL:  cfg.PaymasterURL,
		entryPoint:    cfg.EntryPoint,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		submitLimiter: rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), 1),
		pollAttempts:  cfg.ReceiptPollAttempts,
		pollInterval:  cfg.ReceiptPollInterval,
		log:           log,
	}, nil
}

// EntryPoint returns the configured EntryPoint contract address.
func (c *Client) EntryPoint() string { return c.entryPoint }

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes a JSON-RPC call against the given endpoint.
func (c *Client) Call(ctx context.Context, endpoint, method string, params []any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// GetCode returns the bytecode at the given address.
func (c *Client) GetCode(ctx context.Context, address string) (string, error) {
	result, err := c.Call(ctx, c.rpcURL, "eth_getCode", []any{address, "latest"})
	if err != nil {
		return "", err
	}
	var code string
	if err := json.Unmarshal(result, &code); err != nil {
		return "", err
	}
	return code, nil
}

// IsDeployed reports whether the address carries contract bytecode.
func (c *Client) IsDeployed(ctx context.Context, address string) (bool, error) {
	code, err := c.GetCode(ctx, address)
	if err != nil {
		return false, err
	}
	return code != "" && code != "0x", nil
}

// CallContract performs a read-only eth_call against the given contract.
func (c *Client) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	call := map[string]string{
		"to":   to,
		"data": "0x" + hex.EncodeToString(data),
	}
	result, err := c.Call(ctx, c.rpcURL, "eth_call", []any{call, "latest"})
	if err != nil {
		return nil, apperr.NewBlockchainError("eth_call", revertReason(err), err)
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimPrefix(raw, "0x"))
}

// GetBalance returns the native balance of the address in wei.
func (c *Client) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.Call(ctx, c.rpcURL, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, err
	}
	return ParseHexBig(raw)
}

// =============================================================================
// Bundler Methods
// =============================================================================

// SubmitUserOperation sends the operation to the bundler and returns its
// hash. Submissions share a rate limit so a burst of scheduled runs cannot
// trip the provider.
func (c *Client) SubmitUserOperation(ctx context.Context, op UserOperation) (string, error) {
	if err := c.submitLimiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := c.Call(ctx, c.bundlerURL, "eth_sendUserOperation", []any{op, c.entryPoint})
	if err != nil {
		return "", apperr.NewBlockchainError("eth_sendUserOperation", revertReason(err), err)
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", err
	}
	c.log.WithField("user_op_hash", hash).Debug("user operation submitted")
	return hash, nil
}

// GetUserOperationReceipt fetches the receipt for a submitted operation.
// A nil receipt with nil error means the operation is not yet included.
func (c *Client) GetUserOperationReceipt(ctx context.Context, userOpHash string) (*UserOperationReceipt, error) {
	result, err := c.Call(ctx, c.bundlerURL, "eth_getUserOperationReceipt", []any{userOpHash})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var receipt UserOperationReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForUserOperationReceipt polls the bundler until the operation is
// included or the bounded window runs out.
func (c *Client) WaitForUserOperationReceipt(ctx context.Context, userOpHash string) (*UserOperationReceipt, error) {
	for attempt := 0; attempt < c.pollAttempts; attempt++ {
		receipt, err := c.GetUserOperationReceipt(ctx, userOpHash)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			if !receipt.Success {
				return receipt, apperr.NewBlockchainError("userOperation", receipt.Reason, errors.New("user operation reverted"))
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return nil, fmt.Errorf("user operation %s: %w", userOpHash, apperr.ErrSubmissionTimeout)
}

// =============================================================================
// Paymaster Methods
// =============================================================================

// SponsorUserOperation asks the paymaster to sign sponsorship for the
// operation and folds the response into it.
func (c *Client) SponsorUserOperation(ctx context.Context, op UserOperation) (UserOperation, error) {
	result, err := c.Call(ctx, c.paymasterURL, "pm_sponsorUserOperation", []any{op, c.entryPoint})
	if err != nil {
		return UserOperation{}, apperr.NewBlockchainError("pm_sponsorUserOperation", revertReason(err), err)
	}

	var sponsorship SponsorshipData
	if err := json.Unmarshal(result, &sponsorship); err != nil {
		return UserOperation{}, err
	}

	op.PaymasterAndData = sponsorship.PaymasterAndData
	if sponsorship.CallGasLimit != "" {
		op.CallGasLimit = sponsorship.CallGasLimit
	}
	if sponsorship.VerificationGasLimit != "" {
		op.VerificationGasLimit = sponsorship.VerificationGasLimit
	}
	if sponsorship.PreVerificationGas != "" {
		op.PreVerificationGas = sponsorship.PreVerificationGas
	}
	return op, nil
}

// revertReason extracts a human-readable revert string from an RPC error,
// decoding ABI-encoded Error(string) payloads when present.
func revertReason(err error) string {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return ""
	}
	if len(rpcErr.Data) == 0 {
		return rpcErr.Message
	}

	var dataHex string
	if json.Unmarshal(rpcErr.Data, &dataHex) != nil {
		return rpcErr.Message
	}
	raw, decodeErr := hex.DecodeString(strings.TrimPrefix(dataHex, "0x"))
	if decodeErr != nil {
		return rpcErr.Message
	}
	reason, unpackErr := abi.UnpackRevert(raw)
	if unpackErr != nil {
		return rpcErr.Message
	}
	return reason
}
