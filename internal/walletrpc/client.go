// Package walletrpc is a JSON-RPC client for monero-wallet-rpc endpoints.
//
// Each endpoint is a separate wallet-rpc process that can hold exactly one
// open wallet file at a time. Callers are responsible for the close/open
// discipline; this package only does transport, retries and error mapping.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Satisfyguy/escrowd/internal/circuitbreaker"
	"github.com/Satisfyguy/escrowd/internal/retry"
)

var (
	// ErrUnreachable indicates a transport-level failure talking to the
	// endpoint. Transient: retried with a fixed delay before surfacing.
	ErrUnreachable = errors.New("wallet rpc endpoint unreachable")

	// ErrCircuitOpen indicates the endpoint's circuit breaker rejected the
	// call without attempting the network.
	ErrCircuitOpen = errors.New("wallet rpc circuit open")
)

// RPCError is a JSON-RPC level error returned by the wallet process.
// These are never retried: the endpoint answered, the request was wrong.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Options tunes transport behaviour for a client.
type Options struct {
	RetryAttempts int
	RetryDelay    time.Duration
	HTTPTimeout   time.Duration
	Breaker       *circuitbreaker.Breaker // optional, shared across clients
}

// Client talks to a single wallet-rpc endpoint.
type Client struct {
	url     string
	http    *http.Client
	opts    Options
	breaker *circuitbreaker.Breaker
}

// New creates a client for the given endpoint base URL (e.g.
// "http://127.0.0.1:18082"). The JSON-RPC path is appended automatically.
func New(url string, opts Options) *Client {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.HTTPTimeout <= 0 {
		// Multisig and transfer calls can take tens of seconds on a busy
		// wallet process.
		opts.HTTPTimeout = 120 * time.Second
	}
	return &Client{
		url:     url + "/json_rpc",
		http:    &http.Client{Timeout: opts.HTTPTimeout},
		opts:    opts,
		breaker: opts.Breaker,
	}
}

// URL returns the endpoint base URL this client is bound to.
func (c *Client) URL() string { return c.url }

// call performs one JSON-RPC exchange with bounded fixed-delay retries on
// transport failures. RPC-level errors are permanent.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if c.breaker != nil && !c.breaker.Allow(c.url) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, method)
	}

	err := retry.DoFixed(ctx, c.opts.RetryAttempts, c.opts.RetryDelay, func() error {
		return c.callOnce(ctx, method, params, result)
	})

	if c.breaker != nil {
		if errors.Is(err, ErrUnreachable) {
			c.breaker.RecordFailure(c.url)
		} else {
			c.breaker.RecordSuccess(c.url)
		}
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal %s request: %w", method, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnreachable, method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d", ErrUnreachable, method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", method, err))
	}
	if envelope.Error != nil {
		return retry.Permanent(envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return retry.Permanent(fmt.Errorf("decode %s result: %w", method, err))
		}
	}
	return nil
}

// CreateWallet creates a fresh wallet file on the endpoint and leaves it open.
func (c *Client) CreateWallet(ctx context.Context, filename string) error {
	params := map[string]interface{}{
		"filename": filename,
		"password": "",
		"language": "English",
	}
	return c.call(ctx, "create_wallet", params, nil)
}

// OpenWallet opens an existing wallet file, replacing whichever wallet the
// endpoint currently has active.
func (c *Client) OpenWallet(ctx context.Context, filename string) error {
	params := map[string]interface{}{
		"filename": filename,
		"password": "",
	}
	return c.call(ctx, "open_wallet", params, nil)
}

// CloseWallet closes the currently open wallet file, persisting it to disk.
func (c *Client) CloseWallet(ctx context.Context) error {
	return c.call(ctx, "close_wallet", nil, nil)
}

// EnableMultisigExperimental flags the open wallet for multisig operations.
// Wallets refuse prepare_multisig without it.
func (c *Client) EnableMultisigExperimental(ctx context.Context) error {
	params := map[string]interface{}{
		"key":   "multisig-experimental",
		"value": "1",
	}
	return c.call(ctx, "set_attribute", params, nil)
}

// GetAddress returns the primary address of the open wallet.
func (c *Client) GetAddress(ctx context.Context) (string, error) {
	var res AddressResult
	params := map[string]interface{}{"account_index": 0}
	if err := c.call(ctx, "get_address", params, &res); err != nil {
		return "", err
	}
	return res.Address, nil
}

// GetBalance returns total and unlocked balance of the open wallet in
// atomic units.
func (c *Client) GetBalance(ctx context.Context) (total, unlocked uint64, err error) {
	var res BalanceResult
	params := map[string]interface{}{"account_index": 0}
	if err := c.call(ctx, "get_balance", params, &res); err != nil {
		return 0, 0, err
	}
	return res.Balance, res.UnlockedBalance, nil
}

// PrepareMultisig generates this wallet's first-round multisig blob.
func (c *Client) PrepareMultisig(ctx context.Context) (string, error) {
	var res PrepareMultisigResult
	if err := c.call(ctx, "prepare_multisig", nil, &res); err != nil {
		return "", err
	}
	return res.MultisigInfo, nil
}

// MakeMultisig combines the peers' prepare blobs into this wallet,
// returning the candidate shared address and the next-round blob.
func (c *Client) MakeMultisig(ctx context.Context, threshold uint32, peerInfos []string) (MakeMultisigResult, error) {
	var res MakeMultisigResult
	params := map[string]interface{}{
		"multisig_info": peerInfos,
		"threshold":     threshold,
		"password":      "",
	}
	err := c.call(ctx, "make_multisig", params, &res)
	return res, err
}

// ExchangeMultisigKeys runs a key-exchange round with the peers' previous
// round blobs. The final round yields the definitive shared address.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, peerInfos []string) (ExchangeMultisigKeysResult, error) {
	var res ExchangeMultisigKeysResult
	params := map[string]interface{}{
		"multisig_info": peerInfos,
		"password":      "",
	}
	err := c.call(ctx, "exchange_multisig_keys", params, &res)
	return res, err
}

// ExportMultisigInfo exports this wallet's output-sync data.
func (c *Client) ExportMultisigInfo(ctx context.Context) (string, error) {
	var res ExportMultisigResult
	if err := c.call(ctx, "export_multisig_info", nil, &res); err != nil {
		return "", err
	}
	return res.Info, nil
}

// ImportMultisigInfo imports the peers' output-sync data into this wallet.
func (c *Client) ImportMultisigInfo(ctx context.Context, peerInfos []string) (uint64, error) {
	var res ImportMultisigResult
	params := map[string]interface{}{"info": peerInfos}
	if err := c.call(ctx, "import_multisig_info", params, &res); err != nil {
		return 0, err
	}
	return res.NOutputs, nil
}

// IsMultisig reports the multisig state of the open wallet.
func (c *Client) IsMultisig(ctx context.Context) (IsMultisigResult, error) {
	var res IsMultisigResult
	err := c.call(ctx, "is_multisig", nil, &res)
	return res, err
}

// Transfer builds a transfer from the open multisig wallet. The returned
// MultisigTxset must be signed by a second participant before submission.
func (c *Client) Transfer(ctx context.Context, dest Destination) (TransferResult, error) {
	var res TransferResult
	params := map[string]interface{}{
		"destinations": []Destination{dest},
		"priority":     0,
		"get_tx_key":   true,
	}
	err := c.call(ctx, "transfer", params, &res)
	return res, err
}

// SignMultisig adds this wallet's signature to a partially signed txset.
func (c *Client) SignMultisig(ctx context.Context, txDataHex string) (SignMultisigResult, error) {
	var res SignMultisigResult
	params := map[string]interface{}{"tx_data_hex": txDataHex}
	err := c.call(ctx, "sign_multisig", params, &res)
	return res, err
}

// SubmitMultisig broadcasts a fully signed multisig transaction set.
func (c *Client) SubmitMultisig(ctx context.Context, txDataHex string) ([]string, error) {
	var res SubmitMultisigResult
	params := map[string]interface{}{"tx_data_hex": txDataHex}
	if err := c.call(ctx, "submit_multisig", params, &res); err != nil {
		return nil, err
	}
	return res.TxHashList, nil
}

// GetTransferByTxID looks up a transfer known to the open wallet.
func (c *Client) GetTransferByTxID(ctx context.Context, txid string) (TransferEntry, error) {
	var res transferByTxIDResult
	params := map[string]interface{}{"txid": txid}
	err := c.call(ctx, "get_transfer_by_txid", params, &res)
	return res.Transfer, err
}
