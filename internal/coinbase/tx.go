package coinbase

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/poolaudit/pkg/errors"
)

// maxHeightPushLen bounds the BIP34 height push
const maxHeightPushLen = 5

// MaxExtraNonce2Size is the largest extranonce2 Assemble will zero-fill
const MaxExtraNonce2Size = 32

// Output is one decoded coinbase output
type Output struct {
	Index       int      `json:"index"`
	ValueSats   int64    `json:"value_sats"`
	ValueBTC    float64  `json:"value_btc"`
	ScriptClass string   `json:"script_class"`
	Addresses   []string `json:"addresses,omitempty"`
	IsOpReturn  bool     `json:"is_op_return"`
	ScriptHex   string   `json:"script_hex"`
}

// TxSummary describes the coinbase transaction assembled from a job
type TxSummary struct {
	Version         int32    `json:"version"`
	Height          *int32   `json:"height,omitempty"`
	ScriptSig       string   `json:"script_sig_hex"`
	Outputs         []Output `json:"outputs"`
	TotalSats       int64    `json:"total_sats"`
	TotalBTC        float64  `json:"total_btc"`
	PayoutAddresses []string `json:"payout_addresses"`
}

// Assemble joins coinbase1, extranonce1, a zero-filled extranonce2 of
// extranonce2Size bytes and coinbase2, and decodes the result as a
// non-witness transaction
func Assemble(coinbase1, extranonce1 string, extranonce2Size int, coinbase2 string) (*wire.MsgTx, error) {
	if extranonce2Size < 0 || extranonce2Size > MaxExtraNonce2Size {
		return nil, errors.Newf(errors.ErrorTypeDecode, "assemble_coinbase",
			"extranonce2 size %d outside 0..%d", extranonce2Size, MaxExtraNonce2Size)
	}

	var raw bytes.Buffer
	for _, part := range []struct {
		name string
		hex  string
	}{
		{"decode_coinbase1", coinbase1},
		{"decode_extranonce1", extranonce1},
		{"decode_extranonce2", hex.EncodeToString(make([]byte, extranonce2Size))},
		{"decode_coinbase2", coinbase2},
	} {
		b, err := DecodeHex(part.name, part.hex)
		if err != nil {
			return nil, err
		}
		raw.Write(b)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(&raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "assemble_coinbase",
			"coinbase does not deserialize as a transaction")
	}
	if raw.Len() > 0 {
		return nil, errors.Newf(errors.ErrorTypeDecode, "assemble_coinbase",
			"%d trailing bytes after transaction", raw.Len())
	}
	if len(tx.TxIn) != 1 {
		return nil, errors.Newf(errors.ErrorTypeDecode, "assemble_coinbase",
			"coinbase has %d inputs, want 1", len(tx.TxIn))
	}

	return tx, nil
}

// Summarize decodes the outputs of a coinbase transaction
func Summarize(tx *wire.MsgTx, params *chaincfg.Params) *TxSummary {
	s := &TxSummary{
		Version: tx.Version,
		Outputs: make([]Output, 0, len(tx.TxOut)),
	}

	if len(tx.TxIn) > 0 {
		sigScript := tx.TxIn[0].SignatureScript
		s.ScriptSig = hex.EncodeToString(sigScript)
		if height, ok := Height(sigScript); ok {
			s.Height = &height
		}
	}

	for i, out := range tx.TxOut {
		o := Output{
			Index:     i,
			ValueSats: out.Value,
			ValueBTC:  btcutil.Amount(out.Value).ToBTC(),
			ScriptHex: hex.EncodeToString(out.PkScript),
		}

		class, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil {
			class = txscript.NonStandardTy
		}
		o.ScriptClass = class.String()
		o.IsOpReturn = class == txscript.NullDataTy
		for _, addr := range addrs {
			o.Addresses = append(o.Addresses, addr.EncodeAddress())
		}

		s.TotalSats += out.Value
		if out.Value > 0 {
			s.PayoutAddresses = append(s.PayoutAddresses, o.Addresses...)
		}
		s.Outputs = append(s.Outputs, o)
	}
	s.TotalBTC = btcutil.Amount(s.TotalSats).ToBTC()

	return s
}

// Height reads the BIP34 block height from the first push of a coinbase
// signature script
func Height(sigScript []byte) (int32, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, sigScript)
	if !tokenizer.Next() {
		return 0, false
	}

	op := tokenizer.Opcode()
	switch {
	case op == txscript.OP_0:
		return 0, true
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int32(op-txscript.OP_1) + 1, true
	}

	data := tokenizer.Data()
	if len(data) == 0 || len(data) > maxHeightPushLen {
		return 0, false
	}
	num, err := txscript.MakeScriptNum(data, false, maxHeightPushLen)
	if err != nil {
		return 0, false
	}
	return num.Int32(), true
}

// DecodeTx assembles and summarizes a job's coinbase on mainnet
func DecodeTx(coinbase1, extranonce1 string, extranonce2Size int, coinbase2 string) (*TxSummary, error) {
	tx, err := Assemble(coinbase1, extranonce1, extranonce2Size, coinbase2)
	if err != nil {
		return nil, err
	}
	return Summarize(tx, &chaincfg.MainNetParams), nil
}

// DisplayPrevHash converts a Stratum prevhash, sent as eight byte-swapped
// 4-byte words, to the usual block explorer form
func DisplayPrevHash(prevHash string) (string, error) {
	raw, err := DecodeHex("decode_prevhash", prevHash)
	if err != nil {
		return "", err
	}
	if len(raw) != chainhash.HashSize {
		return "", errors.Newf(errors.ErrorTypeDecode, "decode_prevhash",
			"prevhash is %d bytes, want %d", len(raw), chainhash.HashSize)
	}

	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = raw[i+3], raw[i+2], raw[i+1], raw[i]
	}

	hash, err := chainhash.NewHash(raw)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeDecode, "decode_prevhash", "invalid hash")
	}
	return hash.String(), nil
}
