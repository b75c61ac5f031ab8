package audit

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"na":    na,
	"title": title,
	"yesno": yesno,
}

// na renders an optional value, "N/A" when absent
func na(v any) string {
	switch x := v.(type) {
	case nil:
		return "N/A"
	case *string:
		if x == nil {
			return "N/A"
		}
		return *x
	case *int:
		if x == nil {
			return "N/A"
		}
		return strconv.Itoa(*x)
	case *int32:
		if x == nil {
			return "N/A"
		}
		return strconv.Itoa(int(*x))
	case *float64:
		if x == nil {
			return "N/A"
		}
		return strconv.FormatFloat(*x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// title turns "single_point_of_failure" into "Single Point Of Failure"
func title(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func yesno(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

var auditTemplate = template.Must(template.New("pool_audit.md").Funcs(funcs).Parse(
	`# Stratum Audit Report: {{.Metadata.TargetHost}}

**Audit Date:** {{.Metadata.AuditTimestamp.Format "2006-01-02T15:04:05Z07:00"}}
**Target:** {{.Metadata.TargetHost}}:{{.Metadata.TargetPort}}
**Tool Version:** {{.Metadata.ToolVersion}}

---

## 1. Connection Analysis

| Metric | Value |
|--------|-------|
| Connection Success | {{.Connection.Success}} |
| Connect Time | {{na .Connection.ConnectTimeMS}} ms |
| Remote IP | {{na .Connection.RemoteIP}} |
{{- with .Connection.Error}}
| Error | {{.}} |
{{- end}}

## 2. Protocol Analysis

### mining.subscribe
{{- with .Protocol.Subscribe}}
- **Success:** {{.Success}}
- **Extranonce1:** ` + "`{{na .ExtraNonce1}}`" + `
- **Extranonce2 Size:** {{na .ExtraNonce2Size}} bytes
{{- with .Error}}
- **Error:** {{.}}
{{- end}}
{{- else}}
- **Success:** N/A
{{- end}}

### mining.authorize
{{- with .Protocol.Authorize}}
- **Success:** {{.Success}}
- **Username Format:** wallet.worker (standard)
- **Password Required:** No
{{- with .Error}}
- **Error:** {{.}}
{{- end}}
{{- else}}
- **Success:** N/A
{{- end}}

### Difficulty
- **Initial Difficulty:** {{na .Protocol.InitialDifficulty}}
- **Current Difficulty:** {{na .Protocol.Difficulty}}

### Job
{{- with .Job}}
- **Job ID:** ` + "`{{.JobID}}`" + `
- **Previous Block:** ` + "`{{if .PrevBlockHash}}{{.PrevBlockHash}}{{else}}{{.PrevHash}}{{end}}`" + `
- **Merkle Branches:** {{.MerkleBranches}}
- **Clean Jobs:** {{.CleanJobs}}
{{- else}}
- No mining.notify received
{{- end}}

## 3. Coinbase Analysis

**This is the most critical section for verifying pool legitimacy.**
{{with .CoinbaseAnalysis}}
### Coinbase Tag
` + "```" + `
{{if .CoinbaseTag}}{{na .CoinbaseTag}}{{else}}Not found{{end}}
` + "```" + `

### ASCII Strings Found
` + "```" + `
{{range .ASCIIStringsFound}}{{printf "%q" .}}
{{end}}` + "```" + `

### Interpretation
- **Software:** {{.Analysis.IdentifiedSoftware}}
- **Is CKPool:** {{.Analysis.IsCKPool}}
- **Custom Branding:** {{if .Analysis.Branding}}{{na .Analysis.Branding}}{{else}}None{{end}}
- **Is Proxy:** {{.Analysis.IsProxy}}
{{- with .Analysis.PoolType}}
- **Pool Type:** {{.}}
{{- end}}
{{- with .Error}}
- **Decode Error:** {{.}}
{{- end}}
{{else}}
No job was received, so the coinbase could not be inspected.
{{end}}
{{- with .CoinbaseOutputs}}
### Coinbase Outputs
- **Block Height:** {{na .Height}}
- **Total Reward:** {{.TotalBTC}} BTC

| # | Value (BTC) | Type | Address |
|---|-------------|------|---------|
{{- range .Outputs}}
| {{.Index}} | {{.ValueBTC}} | {{.ScriptClass}} | {{if .Addresses}}{{index .Addresses 0}}{{else}}-{{end}} |
{{- end}}
{{end}}
## 4. Fee Analysis
{{with .FeeAnalysis}}
| Aspect | Finding |
|--------|---------|
| Documented Fee | {{.DocumentedFee}} |
| PPS Indicators | {{.PPSIndicators}} |
| Share Redirection | {{.ShareRedirection}} |
{{- range .OutputShares}}
| Output to {{.Address}} | {{.Percent}}% |
{{- end}}

**Verification Method:** {{.Recommendation}}
{{else}}
Not performed: the audit halted before the handshake completed.
{{end}}
## 5. Architecture Determination

Based on the audit findings:
{{with .CoinbaseAnalysis}}
| Question | Answer | Evidence |
|----------|--------|----------|
| Is this a full pool? | **{{yesno (not .Analysis.IsProxy)}}** | {{if .CoinbaseTag}}Coinbase tag ` + "`{{na .CoinbaseTag}}`" + `{{else}}No coinbase tag{{end}} |
| Is this a proxy? | **{{yesno .Analysis.IsProxy}}** | {{if .Analysis.IsProxy}}Proxy or relay marker in coinbase{{else}}No proxy indicators in coinbase{{end}} |
| Is this CKPool-based? | **{{yesno .Analysis.IsCKPool}}** | Identified software: {{.Analysis.IdentifiedSoftware}} |
| Custom branding? | **{{yesno .Analysis.IsCustomPool}}** | {{if .Analysis.Branding}}{{na .Analysis.Branding}}{{else}}None found{{end}} |
{{else}}
Undetermined: no job was captured.
{{end}}
{{- if .Errors}}
## 6. Recorded Errors

| Type | Operation | Message |
|------|-----------|---------|
{{- range .Errors}}
| {{.Type}} | {{.Operation}} | {{.Message}} |
{{- end}}
{{end}}
---

*Generated by stratumaudit - Open source audit tool*
`))

var riskTemplate = template.Must(template.New("risk_assessment.md").Funcs(funcs).Parse(
	`# Risk Assessment: {{.Metadata.TargetHost}}
{{with .RiskAssessment}}
**Overall Risk Level:** {{.OverallRisk}} ({{printf "%.2f" .RiskScore}}/5.0)

---

## Individual Risk Analysis
{{range .IndividualRisks}}
### {{title .Name}}
- **Level:** {{.Level}}
- **Explanation:** {{.Explanation}}
{{end}}
## Comparison to solo.ckpool.org

### Differences
{{- range .ComparisonToCKPool.Differences}}
- {{.}}
{{- end}}

### Similarities
{{- range .ComparisonToCKPool.Similarities}}
- {{.}}
{{- end}}

### Verdict
> {{.ComparisonToCKPool.Verdict}}

---

## Recommendation

1. **Verify** any found blocks on mempool.space
2. **Check** the coinbase carries the pool's published tag
3. **Confirm** the documented share of the block reward goes to your wallet
{{else}}
**Overall Risk Level:** N/A

The audit halted before the handshake completed, so no risk assessment was made.
{{end}}
---

*Generated by stratumaudit*
`))

// RenderAuditMarkdown writes the human-readable audit report
func RenderAuditMarkdown(w io.Writer, r *Result) error {
	return auditTemplate.Execute(w, r)
}

// RenderRiskMarkdown writes the risk assessment report
func RenderRiskMarkdown(w io.Writer, r *Result) error {
	return riskTemplate.Execute(w, r)
}
