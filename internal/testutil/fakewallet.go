// Package testutil provides an in-process fake of a monero-wallet-rpc
// cluster for exercising the wallet registry, multisig coordinator and
// escrow flows without real wallet processes.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// AddressLen is the length of the addresses the fake hands out, matching
// standard Monero address length.
const AddressLen = 95

type fakeWallet struct {
	name            string
	address         string
	multisigAllowed bool
	prepared        bool
	made            bool
	ready           bool
	synced          bool // import_multisig_info has run since last deposit
}

type fakeTx struct {
	hash      string
	amount    uint64
	sigs      int
	submitted bool
}

type fakeEndpoint struct {
	server  *httptest.Server
	down    bool
	failOn  map[string]int // method -> remaining forced transport failures
	open    string
	wallets map[string]*fakeWallet
}

// Cluster is a set of fake wallet-rpc endpoints sharing one simulated
// multisig wallet and chain state.
type Cluster struct {
	mu        sync.Mutex
	network   byte // leading address character: '4', '5' or '9'
	endpoints []*fakeEndpoint

	sharedAddress string
	funded        uint64
	confirmations uint64
	txs           map[string]*fakeTx
	nextTx        int

	// DuplicatePrepare makes every prepare_multisig call return the same
	// blob, simulating a misbehaving endpoint reusing wallet state.
	DuplicatePrepare bool
}

// NewCluster starts n fake endpoints for the given network ("mainnet",
// "stagenet" or "testnet"). Callers must Close it.
func NewCluster(n int, network string) *Cluster {
	prefix := byte('5')
	switch network {
	case "mainnet":
		prefix = '4'
	case "testnet":
		prefix = '9'
	}
	c := &Cluster{
		network:       prefix,
		txs:           make(map[string]*fakeTx),
		sharedAddress: fakeAddress(prefix, "shared"),
	}
	for i := 0; i < n; i++ {
		ep := &fakeEndpoint{
			failOn:  make(map[string]int),
			wallets: make(map[string]*fakeWallet),
		}
		idx := i
		ep.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.handle(idx, w, r)
		}))
		c.endpoints = append(c.endpoints, ep)
	}
	return c
}

// Close shuts down all fake endpoints.
func (c *Cluster) Close() {
	for _, ep := range c.endpoints {
		ep.server.Close()
	}
}

// URLs returns the endpoint base URLs in pool order.
func (c *Cluster) URLs() []string {
	urls := make([]string, len(c.endpoints))
	for i, ep := range c.endpoints {
		urls[i] = ep.server.URL
	}
	return urls
}

// SharedAddress is the multisig address the cluster converges on.
func (c *Cluster) SharedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharedAddress
}

// Deposit simulates an incoming payment to the shared address. The balance
// becomes visible to a wallet only after its next import_multisig_info.
func (c *Cluster) Deposit(amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funded += amount
	for _, ep := range c.endpoints {
		for _, w := range ep.wallets {
			w.synced = false
		}
	}
}

// SetConfirmations fixes the confirmation depth reported for every known
// transaction.
func (c *Cluster) SetConfirmations(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmations = n
}

// SetDown toggles transport failure for one endpoint.
func (c *Cluster) SetDown(i int, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[i].down = down
}

// FailNext forces the next count calls of method on endpoint i to fail at
// the transport level.
func (c *Cluster) FailNext(i int, method string, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[i].failOn[method] = count
}

// OpenWallet reports which wallet file endpoint i currently has open.
func (c *Cluster) OpenWallet(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[i].open
}

// SubmittedTxs returns the hashes of all transactions that reached
// submit_multisig with enough signatures.
func (c *Cluster) SubmittedTxs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hashes []string
	for _, tx := range c.txs {
		if tx.submitted {
			hashes = append(hashes, tx.hash)
		}
	}
	return hashes
}

type rpcReq struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func writeResult(w http.ResponseWriter, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": "0", "result": result,
	})
}

func writeRPCError(w http.ResponseWriter, code int, msg string) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": "0",
		"error": map[string]interface{}{"code": code, "message": msg},
	})
}

func (c *Cluster) handle(idx int, w http.ResponseWriter, r *http.Request) {
	var req rpcReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.endpoints[idx]

	if ep.down {
		http.Error(w, "endpoint down", http.StatusServiceUnavailable)
		return
	}
	if n := ep.failOn[req.Method]; n > 0 {
		ep.failOn[req.Method] = n - 1
		http.Error(w, "injected failure", http.StatusBadGateway)
		return
	}

	switch req.Method {
	case "create_wallet":
		var p struct {
			Filename string `json:"filename"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if _, exists := ep.wallets[p.Filename]; exists {
			writeRPCError(w, -21, "Wallet already exists.")
			return
		}
		ep.wallets[p.Filename] = &fakeWallet{
			name:    p.Filename,
			address: fakeAddress(c.network, fmt.Sprintf("%d/%s", idx, p.Filename)),
		}
		ep.open = p.Filename
		writeResult(w, struct{}{})

	case "open_wallet":
		var p struct {
			Filename string `json:"filename"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if _, ok := ep.wallets[p.Filename]; !ok {
			writeRPCError(w, -1, "Failed to open wallet")
			return
		}
		ep.open = p.Filename
		writeResult(w, struct{}{})

	case "close_wallet":
		ep.open = ""
		writeResult(w, struct{}{})

	case "set_attribute":
		if wlt := ep.wallets[ep.open]; wlt != nil {
			wlt.multisigAllowed = true
		}
		writeResult(w, struct{}{})

	case "get_address":
		wlt := ep.wallets[ep.open]
		if wlt == nil {
			writeRPCError(w, -13, "No wallet file")
			return
		}
		writeResult(w, map[string]interface{}{"address": wlt.address})

	case "get_balance":
		wlt := ep.wallets[ep.open]
		if wlt == nil {
			writeRPCError(w, -13, "No wallet file")
			return
		}
		var bal uint64
		// Multisig balance is invisible until partial key images have
		// been imported from the peers.
		if wlt.ready && wlt.synced {
			bal = c.funded
		}
		writeResult(w, map[string]interface{}{"balance": bal, "unlocked_balance": bal})

	case "prepare_multisig":
		wlt := ep.wallets[ep.open]
		if wlt == nil || !wlt.multisigAllowed {
			writeRPCError(w, -1, "This wallet is not multisig capable")
			return
		}
		wlt.prepared = true
		blob := "MultisigV1" + hexOf(fmt.Sprintf("prep/%d/%s", idx, wlt.name))
		if c.DuplicatePrepare {
			blob = "MultisigV1" + hexOf("prep/dup")
		}
		writeResult(w, map[string]interface{}{"multisig_info": blob})

	case "make_multisig":
		wlt := ep.wallets[ep.open]
		if wlt == nil || !wlt.prepared {
			writeRPCError(w, -1, "This wallet is not multisig")
			return
		}
		var p struct {
			Infos     []string `json:"multisig_info"`
			Threshold uint32   `json:"threshold"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if len(p.Infos) != 2 || p.Threshold != 2 {
			writeRPCError(w, -1, "Bad multisig_info")
			return
		}
		wlt.made = true
		writeResult(w, map[string]interface{}{
			"address":       fakeAddress(c.network, "interim/"+wlt.name),
			"multisig_info": "MultisigxV2R1" + hexOf("make/"+wlt.name),
		})

	case "exchange_multisig_keys":
		wlt := ep.wallets[ep.open]
		if wlt == nil || !wlt.made {
			writeRPCError(w, -1, "This wallet is not multisig")
			return
		}
		if wlt.ready {
			writeRPCError(w, -1, "This wallet is multisig, and already finalized")
			return
		}
		var p struct {
			Infos []string `json:"multisig_info"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if len(p.Infos) != 2 {
			writeRPCError(w, -1, "Bad multisig_info")
			return
		}
		wlt.ready = true
		wlt.address = c.sharedAddress
		writeResult(w, map[string]interface{}{
			"address":       c.sharedAddress,
			"multisig_info": "",
		})

	case "is_multisig":
		wlt := ep.wallets[ep.open]
		if wlt == nil {
			writeRPCError(w, -13, "No wallet file")
			return
		}
		writeResult(w, map[string]interface{}{
			"multisig": wlt.made, "ready": wlt.ready, "threshold": 2, "total": 3,
		})

	case "export_multisig_info":
		wlt := ep.wallets[ep.open]
		if wlt == nil || !wlt.ready {
			writeRPCError(w, -1, "This wallet is not multisig")
			return
		}
		writeResult(w, map[string]interface{}{"info": hexOf("export/" + wlt.name)})

	case "import_multisig_info":
		wlt := ep.wallets[ep.open]
		if wlt == nil || !wlt.ready {
			writeRPCError(w, -1, "This wallet is not multisig")
			return
		}
		wlt.synced = true
		var n uint64
		if c.funded > 0 {
			n = 1
		}
		writeResult(w, map[string]interface{}{"n_outputs": n})

	case "transfer":
		wlt := ep.wallets[ep.open]
		if wlt == nil {
			writeRPCError(w, -13, "No wallet file")
			return
		}
		var p struct {
			Destinations []struct {
				Amount uint64 `json:"amount"`
			} `json:"destinations"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if len(p.Destinations) != 1 {
			writeRPCError(w, -1, "Bad destinations")
			return
		}
		amount := p.Destinations[0].Amount
		if !wlt.ready || !wlt.synced || amount > c.funded {
			writeRPCError(w, -4, "not enough money")
			return
		}
		c.nextTx++
		tx := &fakeTx{hash: hexOf(fmt.Sprintf("tx/%d", c.nextTx)), amount: amount, sigs: 1}
		c.txs[tx.hash] = tx
		writeResult(w, map[string]interface{}{
			"tx_hash":        tx.hash,
			"tx_key":         hexOf("key/" + tx.hash),
			"amount":         amount,
			"fee":            uint64(30000000),
			"multisig_txset": "txset1:" + tx.hash,
		})

	case "sign_multisig":
		wlt := ep.wallets[ep.open]
		var p struct {
			TxDataHex string `json:"tx_data_hex"`
		}
		_ = json.Unmarshal(req.Params, &p)
		hash, ok := strings.CutPrefix(p.TxDataHex, "txset1:")
		if wlt == nil || !wlt.ready || !ok {
			writeRPCError(w, -1, "Failed to sign multisig transaction")
			return
		}
		tx := c.txs[hash]
		if tx == nil {
			writeRPCError(w, -1, "Failed to sign multisig transaction")
			return
		}
		tx.sigs = 2
		writeResult(w, map[string]interface{}{
			"tx_data_hex":  "txset2:" + hash,
			"tx_hash_list": []string{hash},
		})

	case "submit_multisig":
		wlt := ep.wallets[ep.open]
		var p struct {
			TxDataHex string `json:"tx_data_hex"`
		}
		_ = json.Unmarshal(req.Params, &p)
		hash, ok := strings.CutPrefix(p.TxDataHex, "txset2:")
		if wlt == nil || !wlt.ready || !ok {
			writeRPCError(w, -4, "Failed to submit multisig transaction: not enough signers")
			return
		}
		tx := c.txs[hash]
		if tx == nil || tx.sigs < 2 {
			writeRPCError(w, -4, "Failed to submit multisig transaction: not enough signers")
			return
		}
		tx.submitted = true
		c.funded -= tx.amount
		for _, e := range c.endpoints {
			for _, w2 := range e.wallets {
				w2.synced = false
			}
		}
		writeResult(w, map[string]interface{}{"tx_hash_list": []string{hash}})

	case "get_transfer_by_txid":
		var p struct {
			TxID string `json:"txid"`
		}
		_ = json.Unmarshal(req.Params, &p)
		tx := c.txs[p.TxID]
		if tx == nil {
			writeRPCError(w, -8, "Transaction not found")
			return
		}
		writeResult(w, map[string]interface{}{
			"transfer": map[string]interface{}{
				"txid":          tx.hash,
				"amount":        tx.amount,
				"confirmations": c.confirmations,
				"type":          "out",
			},
		})

	default:
		writeRPCError(w, -32601, "Method not found")
	}
}

// fakeAddress derives a deterministic address of standard length with the
// given network prefix.
func fakeAddress(prefix byte, seed string) string {
	h := hexOf("addr/" + seed)
	for len(h) < AddressLen-1 {
		h += h
	}
	return string(prefix) + h[:AddressLen-1]
}

func hexOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
