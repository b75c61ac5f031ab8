// Package device reads metrics from BitAxe miners and turns them into
// time-series points.
package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// SystemInfo is the subset of /api/system/info the agent forwards. Every
// field is optional; firmware versions differ in what they report.
type SystemInfo struct {
	HashRate          *float64 `json:"hashRate"`
	HashRate1m        *float64 `json:"hashRate_1m"`
	HashRate10m       *float64 `json:"hashRate_10m"`
	HashRate1h        *float64 `json:"hashRate_1h"`
	Temp              *float64 `json:"temp"`
	VRTemp            *float64 `json:"vrTemp"`
	Power             *float64 `json:"power"`
	Voltage           *float64 `json:"voltage"`
	Current           *float64 `json:"current"`
	CoreVoltage       *float64 `json:"coreVoltage"`
	CoreVoltageActual *float64 `json:"coreVoltageActual"`
	FanRPM            *float64 `json:"fanrpm"`
	FanSpeed          *float64 `json:"fanspeed"`

	SharesAccepted  *FlexInt    `json:"sharesAccepted"`
	SharesRejected  *FlexInt    `json:"sharesRejected"`
	BestDiff        *FlexString `json:"bestDiff"`
	BestSessionDiff *FlexString `json:"bestSessionDiff"`
	PoolDifficulty  *float64    `json:"poolDifficulty"`
	Frequency       *float64    `json:"frequency"`
	UptimeSeconds   *FlexInt    `json:"uptimeSeconds"`
	FreeHeap        *FlexInt    `json:"freeHeap"`

	ASICModel    *string `json:"ASICModel"`
	BoardVersion *string `json:"boardVersion"`
	Version      *string `json:"version"`
	Hostname     *string `json:"hostname"`
}

// FlexString accepts a JSON string or number and keeps its text.
// Older firmware reports bestDiff as "4.29G", newer as a plain number.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// FlexInt accepts any JSON number and truncates it toward zero, so counters
// reported as 12.0 still decode.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*f = FlexInt(i)
		return nil
	}
	v, err := n.Float64()
	if err != nil {
		return err
	}
	if v >= math.MaxInt64 || v <= math.MinInt64 {
		return fmt.Errorf("device: %s overflows int64", n)
	}
	*f = FlexInt(math.Trunc(v))
	return nil
}
