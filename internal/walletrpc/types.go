package walletrpc

// JSON shapes for the monero-wallet-rpc methods the coordinator consumes.
// Only the fields we read are declared; the wallet returns more.

// BalanceResult is the response of get_balance.
type BalanceResult struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlocked_balance"`
}

// AddressResult is the response of get_address.
type AddressResult struct {
	Address string `json:"address"`
}

// PrepareMultisigResult is the response of prepare_multisig.
type PrepareMultisigResult struct {
	MultisigInfo string `json:"multisig_info"`
}

// MakeMultisigResult is the response of make_multisig.
type MakeMultisigResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// ExchangeMultisigKeysResult is the response of exchange_multisig_keys.
type ExchangeMultisigKeysResult struct {
	Address      string `json:"address"`
	MultisigInfo string `json:"multisig_info"`
}

// ExportMultisigResult is the response of export_multisig_info.
type ExportMultisigResult struct {
	Info string `json:"info"`
}

// ImportMultisigResult is the response of import_multisig_info.
type ImportMultisigResult struct {
	NOutputs uint64 `json:"n_outputs"`
}

// IsMultisigResult is the response of is_multisig.
type IsMultisigResult struct {
	Multisig  bool   `json:"multisig"`
	Ready     bool   `json:"ready"`
	Threshold uint32 `json:"threshold"`
	Total     uint32 `json:"total"`
}

// TransferResult is the response of transfer against a multisig wallet.
// MultisigTxset carries the partially signed transaction set that the
// remaining signers must sign_multisig before submission.
type TransferResult struct {
	TxHash        string `json:"tx_hash"`
	TxKey         string `json:"tx_key"`
	Amount        uint64 `json:"amount"`
	Fee           uint64 `json:"fee"`
	MultisigTxset string `json:"multisig_txset"`
}

// SignMultisigResult is the response of sign_multisig.
type SignMultisigResult struct {
	TxDataHex  string   `json:"tx_data_hex"`
	TxHashList []string `json:"tx_hash_list"`
}

// SubmitMultisigResult is the response of submit_multisig.
type SubmitMultisigResult struct {
	TxHashList []string `json:"tx_hash_list"`
}

// TransferEntry is a single entry of get_transfer_by_txid.
type TransferEntry struct {
	TxID          string `json:"txid"`
	Address       string `json:"address"`
	Amount        uint64 `json:"amount"`
	Confirmations uint64 `json:"confirmations"`
	Type          string `json:"type"`
}

// transferByTxIDResult is the envelope of get_transfer_by_txid.
type transferByTxIDResult struct {
	Transfer TransferEntry `json:"transfer"`
}

// Destination is a transfer recipient.
type Destination struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}
