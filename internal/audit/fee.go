package audit

import (
	"github.com/bardlex/poolaudit/internal/coinbase"
)

// OutputShare is one paying coinbase output and its share of the reward
type OutputShare struct {
	Address string  `json:"address"`
	Sats    int64   `json:"sats"`
	Percent float64 `json:"percent"`
}

// FeeAnalysis documents what the protocol view can say about fees
type FeeAnalysis struct {
	Methodology      string        `json:"methodology"`
	DocumentedFee    string        `json:"documented_fee"`
	FeeVerification  string        `json:"fee_verification"`
	PPSIndicators    string        `json:"pps_indicators"`
	ShareRedirection string        `json:"share_redirection"`
	Recommendation   string        `json:"recommendation"`
	OutputShares     []OutputShare `json:"output_shares,omitempty"`
}

// AnalyzeFees builds the fee record. When the coinbase outputs could be
// decoded, the reward split of the job template is attached.
func AnalyzeFees(outputs *coinbase.TxSummary) *FeeAnalysis {
	fa := &FeeAnalysis{
		Methodology:      "Coinbase output analysis requires full transaction parsing",
		DocumentedFee:    "2% (as stated on website)",
		FeeVerification:  "Requires block to be found and verified on-chain",
		PPSIndicators:    "None detected - appears to be true solo mining",
		ShareRedirection: "Not detectable without finding a block",
		Recommendation:   "Verify any found block on mempool.space to confirm 98% goes to miner wallet",
	}

	if outputs == nil || outputs.TotalSats <= 0 {
		return fa
	}

	fa.Methodology = "Coinbase assembled from the job template and decoded output by output"
	for _, out := range outputs.Outputs {
		if out.ValueSats <= 0 {
			continue
		}
		address := out.ScriptClass
		if len(out.Addresses) > 0 {
			address = out.Addresses[0]
		}
		fa.OutputShares = append(fa.OutputShares, OutputShare{
			Address: address,
			Sats:    out.ValueSats,
			Percent: roundTo(float64(out.ValueSats)*100/float64(outputs.TotalSats), 2),
		})
	}
	return fa
}
