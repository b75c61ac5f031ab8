// Package audit turns a probe run into the audit record and its reports.
package audit

import (
	"strings"
	"time"

	"github.com/bardlex/poolaudit/internal/coinbase"
	"github.com/bardlex/poolaudit/internal/stratum"
	"github.com/bardlex/poolaudit/pkg/errors"
)

// ToolVersion is stamped into every report
const ToolVersion = "1.0.0"

// Result is the audit record. Field names are stable and shared by the JSON
// report, the markdown templates and the Kafka payload.
type Result struct {
	Metadata         Metadata            `json:"metadata"`
	Connection       Connection          `json:"connection"`
	Protocol         Protocol            `json:"protocol"`
	Job              *JobInfo            `json:"job,omitempty"`
	CoinbaseAnalysis *CoinbaseAnalysis   `json:"coinbase_analysis"`
	CoinbaseOutputs  *coinbase.TxSummary `json:"coinbase_outputs,omitempty"`
	FeeAnalysis      *FeeAnalysis        `json:"fee_analysis"`
	RiskAssessment   *RiskAssessment     `json:"risk_assessment"`
	Errors           []ErrorRecord       `json:"errors"`
}

// Metadata identifies the run
type Metadata struct {
	AuditTimestamp time.Time `json:"audit_timestamp"`
	TargetHost     string    `json:"target_host"`
	TargetPort     int       `json:"target_port"`
	ToolVersion    string    `json:"tool_version"`
}

// Connection is the outcome of the TCP connect
type Connection struct {
	Success       bool     `json:"success"`
	ConnectTimeMS *float64 `json:"connect_time_ms,omitempty"`
	RemoteIP      *string  `json:"remote_ip,omitempty"`
	LocalPort     *int     `json:"local_port,omitempty"`
	Failure       string   `json:"failure,omitempty"`
	Error         *string  `json:"error,omitempty"`
}

// Protocol collects the handshake outcomes
type Protocol struct {
	Subscribe         *Subscribe `json:"subscribe,omitempty"`
	Authorize         *Authorize `json:"authorize,omitempty"`
	InitialDifficulty *float64   `json:"initial_difficulty,omitempty"`
	Difficulty        *float64   `json:"difficulty,omitempty"`
	JobsReceived      int        `json:"jobs_received"`
	JobWait           *JobWait   `json:"job_wait,omitempty"`
	FinalState        string     `json:"final_state"`
}

// Subscribe is the mining.subscribe outcome
type Subscribe struct {
	Success           bool       `json:"success"`
	Subscriptions     [][]string `json:"subscriptions,omitempty"`
	ExtraNonce1       *string    `json:"extranonce1,omitempty"`
	ExtraNonce1Length int        `json:"extranonce1_length"`
	ExtraNonce2Size   *int       `json:"extranonce2_size,omitempty"`
	Error             *string    `json:"error,omitempty"`
}

// Authorize is the mining.authorize outcome
type Authorize struct {
	Success          bool    `json:"success"`
	Responded        bool    `json:"responded"`
	UsernameAccepted *string `json:"username_accepted,omitempty"`
	PasswordRequired bool    `json:"password_required"`
	Error            *string `json:"error,omitempty"`
}

// JobWait is the await-job outcome
type JobWait struct {
	Received bool    `json:"received"`
	WaitedMS float64 `json:"waited_ms"`
}

// JobInfo summarizes the first job
type JobInfo struct {
	JobID          string `json:"job_id"`
	PrevHash       string `json:"prevhash"`
	PrevBlockHash  string `json:"prev_block_hash,omitempty"`
	Version        string `json:"version"`
	NBits          string `json:"nbits"`
	NTime          string `json:"ntime"`
	CleanJobs      bool   `json:"clean_jobs"`
	MerkleBranches int    `json:"merkle_branches"`
}

// CoinbaseAnalysis is the text view of coinbase1
type CoinbaseAnalysis struct {
	Coinbase1Hex       string                  `json:"coinbase1_hex"`
	Coinbase2Hex       string                  `json:"coinbase2_hex"`
	CoinbaseTag        *string                 `json:"coinbase_tag"`
	ASCIIStringsFound  []string                `json:"ascii_strings_found"`
	ExtranoncePosition string                  `json:"extranonce_position"`
	Analysis           coinbase.Classification `json:"analysis"`
	Error              *string                 `json:"error,omitempty"`
}

// ErrorRecord is a recorded phase error
type ErrorRecord struct {
	Type      string `json:"type"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Cause     string `json:"cause,omitempty"`
}

// NewErrorRecord flattens an error for the report
func NewErrorRecord(err error) ErrorRecord {
	var se *errors.ServiceError
	if errors.As(err, &se) {
		rec := ErrorRecord{Type: string(se.Type), Operation: se.Operation, Message: se.Message}
		if se.Cause != nil {
			rec.Cause = se.Cause.Error()
		}
		return rec
	}
	return ErrorRecord{Type: string(errors.ErrorTypeInternal), Operation: "unknown", Message: err.Error()}
}

func ptr[T any](v T) *T {
	return &v
}

// Builder assembles a Result from a probe run
type Builder struct {
	result Result
	halted bool
}

// NewBuilder starts a result for host:port stamped with ts
func NewBuilder(host string, port int, ts time.Time) *Builder {
	return &Builder{
		result: Result{
			Metadata: Metadata{
				AuditTimestamp: ts.UTC(),
				TargetHost:     host,
				TargetPort:     port,
				ToolVersion:    ToolVersion,
			},
			Errors: []ErrorRecord{},
		},
	}
}

// AddError records err
func (b *Builder) AddError(err error) *Builder {
	if err != nil {
		b.result.Errors = append(b.result.Errors, NewErrorRecord(err))
	}
	return b
}

// WithRun copies the connection, protocol and job outcomes of run, and
// analyzes the first job's coinbase
func (b *Builder) WithRun(run *stratum.Run) *Builder {
	b.halted = run.Halted()
	for _, err := range run.Errors {
		b.AddError(err)
	}

	b.withConnection(run.Connect)
	if !run.Connect.Success {
		b.result.Protocol.FinalState = run.State.String()
		return b
	}

	b.withProtocol(run)
	if job, ok := run.Session.FirstJob(); ok {
		b.withJob(job, run.Session)
	}
	return b
}

func (b *Builder) withConnection(c stratum.ConnectOutcome) {
	if !c.Success {
		b.result.Connection = Connection{Failure: string(c.Failure)}
		if c.Err != nil {
			msg := c.Err.Error()
			var se *errors.ServiceError
			if errors.As(c.Err, &se) {
				msg = se.Message
			}
			b.result.Connection.Error = &msg
		}
		return
	}

	ms := float64(c.Info.ConnectTime.Microseconds()) / 1000
	b.result.Connection = Connection{
		Success:       true,
		ConnectTimeMS: ptr(roundTo(ms, 2)),
		RemoteIP:      ptr(c.Info.RemoteIP),
		LocalPort:     ptr(c.Info.LocalPort),
	}
}

func (b *Builder) withProtocol(run *stratum.Run) {
	s := run.Session
	p := &b.result.Protocol
	p.FinalState = run.State.String()
	p.InitialDifficulty = s.InitialDifficulty
	p.Difficulty = s.Difficulty
	p.JobsReceived = len(s.Jobs)

	if run.Subscribe.Attempted {
		sub := &Subscribe{Success: run.Subscribe.Success}
		if sub.Success {
			sub.Subscriptions = s.Subscriptions
			sub.ExtraNonce1 = s.ExtraNonce1
			sub.ExtraNonce2Size = s.ExtraNonce2Size
			if s.ExtraNonce1 != nil {
				sub.ExtraNonce1Length = len(*s.ExtraNonce1)
			}
		} else {
			sub.Error = ptr(run.Subscribe.Error)
		}
		p.Subscribe = sub
	}

	if run.Authorize.Attempted {
		auth := &Authorize{Success: run.Authorize.Success, Responded: run.Authorize.Responded}
		if auth.Success {
			auth.UsernameAccepted = ptr(run.Authorize.Username)
		} else if run.Authorize.Error != "" {
			auth.Error = ptr(run.Authorize.Error)
		}
		p.Authorize = auth
	}

	if run.JobWait.Attempted {
		p.JobWait = &JobWait{
			Received: run.JobWait.Received,
			WaitedMS: roundTo(float64(run.JobWait.Waited.Microseconds())/1000, 2),
		}
	}
}

func (b *Builder) withJob(job stratum.Job, s *stratum.Session) {
	info := &JobInfo{
		JobID:          job.JobID,
		PrevHash:       job.PrevHash,
		Version:        job.Version,
		NBits:          job.NBits,
		NTime:          job.NTime,
		CleanJobs:      job.CleanJobs,
		MerkleBranches: len(job.MerkleBranches),
	}
	if display, err := coinbase.DisplayPrevHash(job.PrevHash); err == nil {
		info.PrevBlockHash = display
	} else {
		b.AddError(err)
	}
	b.result.Job = info

	a := coinbase.Analyze(job.Coinbase1, job.Coinbase2)
	ca := &CoinbaseAnalysis{
		Coinbase1Hex:       a.Coinbase1Hex,
		Coinbase2Hex:       a.Coinbase2Hex,
		CoinbaseTag:        a.Tag,
		ASCIIStringsFound:  a.ASCIIStrings,
		ExtranoncePosition: "between coinbase1 and coinbase2",
		Analysis:           a.Classification,
	}
	if a.Err != nil {
		ca.Error = ptr(a.Err.Error())
		b.AddError(a.Err)
	}
	b.result.CoinbaseAnalysis = ca

	// the full transaction needs both extranonce values
	if s.ExtraNonce1 == nil || s.ExtraNonce2Size == nil || a.Err != nil {
		return
	}
	summary, err := coinbase.DecodeTx(job.Coinbase1, *s.ExtraNonce1, *s.ExtraNonce2Size, job.Coinbase2)
	if err != nil {
		b.AddError(err)
		return
	}
	b.result.CoinbaseOutputs = summary
}

// Build finishes the result. Fee and risk analysis are only attached when
// the handshake got past subscribe.
func (b *Builder) Build() *Result {
	r := b.result
	if !b.halted {
		r.FeeAnalysis = AnalyzeFees(r.CoinbaseOutputs)
		r.RiskAssessment = ptr(Assess(DefaultRisks()))
	}
	return &r
}

// FromRun builds the Result of a probe run
func FromRun(run *stratum.Run) *Result {
	return NewBuilder(run.Session.Host, run.Session.Port, run.StartedAt).WithRun(run).Build()
}

// Summary returns the closing console lines
func (r *Result) Summary() []string {
	connection := "FAILED"
	if r.Connection.Success {
		connection = "OK"
	}

	protocol := "FAILED"
	if r.Protocol.Subscribe != nil && r.Protocol.Subscribe.Success {
		protocol = "OK"
	}

	tag := "Not found"
	if r.CoinbaseAnalysis != nil && r.CoinbaseAnalysis.CoinbaseTag != nil {
		tag = *r.CoinbaseAnalysis.CoinbaseTag
	}

	risk := "N/A"
	if r.RiskAssessment != nil {
		risk = string(r.RiskAssessment.OverallRisk)
	}

	return []string{
		"Connection: " + connection,
		"Protocol: " + protocol,
		"Coinbase Tag: " + tag,
		"Overall Risk: " + risk,
	}
}

// SummaryText joins the summary lines
func (r *Result) SummaryText() string {
	return strings.Join(r.Summary(), "\n")
}
