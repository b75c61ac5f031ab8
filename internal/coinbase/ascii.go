// Package coinbase decodes the coinbase fragments of a Stratum job and
// identifies the pool that built it.
package coinbase

import (
	"encoding/hex"
	"strings"

	"github.com/bardlex/poolaudit/pkg/errors"
)

const (
	minRunLength   = 3
	displayHexSize = 100

	// BitAxeLuckBranding is reported when the coinbase carries the pool's tag
	BitAxeLuckBranding = "pool.bitaxeluck.com"
	// SoftwareCKPool is the software identity for ckpool-built coinbases
	SoftwareCKPool = "CKPool"
	// SoftwareUnknown is used when no software signature is found
	SoftwareUnknown = "unknown"
)

// tagKeywords mark a run as a pool tag, checked case-insensitively
var tagKeywords = []string{"bitaxeluck", "ckpool", "pool"}

// Span is a printable run and its byte offsets [Start, End) in the input
type Span struct {
	Start int
	End   int
	Text  string
}

// Classification is what the coinbase text says about the pool
type Classification struct {
	IsCKPool           bool    `json:"is_ckpool"`
	IsCustomPool       bool    `json:"is_custom_pool"`
	IsProxy            bool    `json:"is_proxy"`
	IdentifiedSoftware string  `json:"identified_software"`
	Branding           *string `json:"branding"`
	PoolType           *string `json:"pool_type,omitempty"`
}

// Analysis is the decoded view of a job's coinbase fragments
type Analysis struct {
	Coinbase1Hex   string
	Coinbase2Hex   string
	Tag            *string
	ASCIIStrings   []string
	Classification Classification
	// Err is set when coinbase1 was not valid hex; the other fields then
	// describe whatever prefix did decode
	Err error
}

func printable(b byte) bool {
	return b >= 32 && b <= 126
}

// ExtractSpans returns the maximal runs of printable bytes that are at
// least 3 bytes long, in scan order
func ExtractSpans(b []byte) []Span {
	var spans []Span
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= minRunLength {
			spans = append(spans, Span{Start: start, End: end, Text: string(b[start:end])})
		}
		start = -1
	}

	for i, c := range b {
		if printable(c) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(b))

	return spans
}

// ExtractASCII returns the text of every span found by ExtractSpans
func ExtractASCII(b []byte) []string {
	spans := ExtractSpans(b)
	runs := make([]string, 0, len(spans))
	for _, s := range spans {
		runs = append(runs, s.Text)
	}
	return runs
}

// SelectTag picks the pool tag: the first run naming a pool, otherwise the
// longest run (earliest on ties), otherwise none
func SelectTag(runs []string) (string, bool) {
	for _, run := range runs {
		lower := strings.ToLower(run)
		for _, kw := range tagKeywords {
			if strings.Contains(lower, kw) {
				return run, true
			}
		}
	}

	longest := -1
	for i, run := range runs {
		if longest < 0 || len(run) > len(runs[longest]) {
			longest = i
		}
	}
	if longest < 0 {
		return "", false
	}
	return runs[longest], true
}

// Classify inspects the lowercase, space-joined runs. The checks are
// independent of each other.
func Classify(runs []string) Classification {
	joined := strings.ToLower(strings.Join(runs, " "))
	c := Classification{IdentifiedSoftware: SoftwareUnknown}

	if strings.Contains(joined, "ckpool") || strings.Contains(joined, "/ck") {
		c.IsCKPool = true
		c.IdentifiedSoftware = SoftwareCKPool
	}

	if strings.Contains(joined, "bitaxeluck") || strings.Contains(joined, "pool.bitaxeluck") {
		branding := BitAxeLuckBranding
		c.Branding = &branding
		c.IsCustomPool = true
	}

	if strings.Contains(joined, "solo") {
		solo := "solo"
		c.PoolType = &solo
	}

	if strings.Contains(joined, "proxy") || strings.Contains(joined, "relay") {
		c.IsProxy = true
	}

	return c
}

// DecodeHex decodes a coinbase fragment. On malformed input it returns the
// bytes decoded before the bad position together with a decode error.
func DecodeHex(operation, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return b, errors.Wrap(err, errors.ErrorTypeDecode, operation, "invalid hex").
			WithContext("hex_length", len(s))
	}
	return b, nil
}

// TruncateHex shortens a hex string for display
func TruncateHex(s string) string {
	if len(s) > displayHexSize {
		return s[:displayHexSize] + "..."
	}
	return s
}

// Analyze extracts and classifies the text embedded in coinbase1
func Analyze(coinbase1, coinbase2 string) Analysis {
	a := Analysis{
		Coinbase1Hex: TruncateHex(coinbase1),
		Coinbase2Hex: TruncateHex(coinbase2),
	}

	raw, err := DecodeHex("decode_coinbase1", coinbase1)
	a.Err = err

	a.ASCIIStrings = ExtractASCII(raw)
	if tag, ok := SelectTag(a.ASCIIStrings); ok {
		a.Tag = &tag
	}
	a.Classification = Classify(a.ASCIIStrings)

	return a
}
