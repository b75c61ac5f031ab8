package device

import (
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/poolaudit/pkg/errors"
)

// Measurement is the series every device point is written to
const Measurement = "bitaxe"

// MaxMinerNameLength caps sanitized miner names
const MaxMinerNameLength = 32

// ghsToHs converts the device's GH/s readings to H/s
const ghsToHs = 1e9

// SanitizeMinerName keeps letters, digits, '-' and '_' and caps the result
// at MaxMinerNameLength bytes
func SanitizeMinerName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() == MaxMinerNameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HostTag picks the host tag: custom name, then device hostname, then the
// address with dots replaced
func HostTag(info *SystemInfo, addr, customName string) string {
	if name := SanitizeMinerName(customName); name != "" {
		return name
	}
	if info != nil && info.Hostname != nil && *info.Hostname != "" {
		return *info.Hostname
	}
	return strings.ReplaceAll(addr, ".", "_")
}

// DisplayName is the label used in log lines
func DisplayName(info *SystemInfo, addr, customName string) string {
	if name := SanitizeMinerName(customName); name != "" {
		return name
	}
	if info != nil && info.Hostname != nil && *info.Hostname != "" {
		return *info.Hostname
	}
	return addr
}

// ToPoint converts info into a point in Measurement. Only fields the device
// reported are written; a report with none is an error.
func ToPoint(info *SystemInfo, addr, customName string, ts time.Time) (*write.Point, error) {
	p := write.NewPointWithMeasurement(Measurement).
		AddTag("host", HostTag(info, addr, customName)).
		SetTime(ts)

	floats := []struct {
		name  string
		v     *float64
		scale float64
	}{
		{"hashrate", info.HashRate, ghsToHs},
		{"hashrate_1m", info.HashRate1m, ghsToHs},
		{"hashrate_10m", info.HashRate10m, ghsToHs},
		{"hashrate_1h", info.HashRate1h, ghsToHs},
		{"temperature", info.Temp, 1},
		{"vr_temperature", info.VRTemp, 1},
		{"power", info.Power, 1},
		{"voltage", info.Voltage, 1},
		{"current", info.Current, 1},
		{"core_voltage", info.CoreVoltage, 1},
		{"core_voltage_actual", info.CoreVoltageActual, 1},
		{"fan_rpm", info.FanRPM, 1},
		{"fan_speed", info.FanSpeed, 1},
		{"pool_difficulty", info.PoolDifficulty, 1},
		{"frequency", info.Frequency, 1},
	}
	for _, f := range floats {
		if f.v != nil {
			p.AddField(f.name, *f.v*f.scale)
		}
	}

	ints := []struct {
		name string
		v    *FlexInt
	}{
		{"shares_accepted", info.SharesAccepted},
		{"shares_rejected", info.SharesRejected},
		{"uptime", info.UptimeSeconds},
		{"free_heap", info.FreeHeap},
	}
	for _, f := range ints {
		if f.v != nil {
			p.AddField(f.name, int64(*f.v))
		}
	}

	if info.BestDiff != nil {
		p.AddField("best_diff", string(*info.BestDiff))
	}
	if info.BestSessionDiff != nil {
		p.AddField("best_session_diff", string(*info.BestSessionDiff))
	}

	strs := []struct {
		name string
		v    *string
	}{
		{"asic_model", info.ASICModel},
		{"board_version", info.BoardVersion},
		{"firmware_version", info.Version},
	}
	for _, f := range strs {
		if f.v != nil {
			p.AddField(f.name, *f.v)
		}
	}

	if len(p.FieldList()) == 0 {
		return nil, errors.New(errors.ErrorTypeDevice, "convert_metrics", "device reported no metrics").
			WithContext("device", addr)
	}
	return p, nil
}
