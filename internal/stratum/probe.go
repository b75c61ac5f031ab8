package stratum

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolaudit/pkg/errors"
	"github.com/bardlex/poolaudit/pkg/log"
)

// State is a probe phase. Transitions only move forward.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSubscribed
	StateAuthorized
	StateAuthorizeFailed
	StateAwaitingJob
	StateJobReceived
	StateNoJob
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateAuthorizeFailed:
		return "authorize_failed"
	case StateAwaitingJob:
		return "awaiting_job"
	case StateJobReceived:
		return "job_received"
	case StateNoJob:
		return "no_job"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProbeConfig holds probe parameters
type ProbeConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	JobTimeout     time.Duration
	WriteTimeout   time.Duration
	Username       string
	Password       string
}

// Session is the mutable state of one probe run. Optional fields stay nil
// until the server provides them.
type Session struct {
	Host string
	Port int

	conn *Conn

	Subscriptions     [][]string
	ExtraNonce1       *string
	ExtraNonce2Size   *int
	InitialDifficulty *float64
	Difficulty        *float64
	Jobs              []Job
}

// FirstJob returns the first job received, if any
func (s *Session) FirstJob() (Job, bool) {
	if len(s.Jobs) == 0 {
		return Job{}, false
	}
	return s.Jobs[0], true
}

func (s *Session) setDifficulty(d float64) {
	if s.InitialDifficulty == nil {
		initial := d
		s.InitialDifficulty = &initial
	}
	s.Difficulty = &d
}

// Close releases the session socket, if one was opened
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// ConnectOutcome records the connection phase
type ConnectOutcome struct {
	Success bool
	Info    ConnectInfo
	Failure ConnectFailure
	Err     error
}

// SubscribeOutcome records the mining.subscribe phase
type SubscribeOutcome struct {
	Attempted bool
	Success   bool
	Error     string
}

// AuthorizeOutcome records the mining.authorize phase
type AuthorizeOutcome struct {
	Attempted bool
	Responded bool
	Success   bool
	Username  string
	Error     string
}

// JobWaitOutcome records the await-job phase
type JobWaitOutcome struct {
	Attempted bool
	Received  bool
	Waited    time.Duration
}

// Run is the result of one probe. It is always returned, partially filled
// when a phase halted the sequence.
type Run struct {
	State     State
	StartedAt time.Time
	Session   *Session

	Connect   ConnectOutcome
	Subscribe SubscribeOutcome
	Authorize AuthorizeOutcome
	JobWait   JobWaitOutcome

	// Errors lists recorded non-fatal and fatal errors in the order seen
	Errors []error
}

// Halted reports whether a fatal phase stopped the sequence
func (r *Run) Halted() bool {
	return r.State == StateFailed
}

func (r *Run) record(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// Probe drives subscribe, authorize and await-job against one pool endpoint
type Probe struct {
	cfg    ProbeConfig
	logger *log.Logger
}

// NewProbe creates a probe
func NewProbe(cfg ProbeConfig, logger *log.Logger) *Probe {
	if cfg.Password == "" {
		cfg.Password = "x"
	}
	return &Probe{
		cfg:    cfg,
		logger: logger.WithComponent("probe").WithTarget(cfg.Host, cfg.Port),
	}
}

// Run executes the handshake phases in order. The context is checked
// between blocking calls; in-flight reads end at their own timeout.
func (p *Probe) Run(ctx context.Context) *Run {
	run := &Run{
		State:     StateDisconnected,
		StartedAt: time.Now().UTC(),
		Session:   &Session{Host: p.cfg.Host, Port: p.cfg.Port},
	}

	if !p.connect(ctx, run) {
		return run
	}
	defer func() {
		if err := run.Session.Close(); err != nil {
			p.logger.WithError(err).Debug("close failed")
		}
	}()

	if !p.subscribe(ctx, run) {
		return run
	}

	p.authorize(ctx, run)
	p.awaitJob(ctx, run)

	return run
}

func (p *Probe) transition(run *Run, next State, fields ...any) {
	p.logger.LogPhase(next.String(), "entered", append([]any{"from", run.State.String()}, fields...)...)
	run.State = next
}

func (p *Probe) fail(run *Run, err error) {
	run.record(err)
	p.logger.WithError(err).Warn("probe halted", "state", run.State.String())
	run.State = StateFailed
}

func (p *Probe) canceled(ctx context.Context, run *Run, operation string) bool {
	if err := ctx.Err(); err != nil {
		p.fail(run, errors.Wrap(err, errors.ErrorTypeInternal, operation, "probe canceled"))
		return true
	}
	return false
}

func (p *Probe) connect(ctx context.Context, run *Run) bool {
	if p.canceled(ctx, run, "connect") {
		return false
	}

	conn, info, err := Dial(ctx, p.cfg.Host, p.cfg.Port, p.cfg.ConnectTimeout, p.logger)
	if err != nil {
		run.Connect = ConnectOutcome{Err: err}
		run.Connect.Failure, _ = FailureOf(err)
		p.fail(run, err)
		return false
	}

	if p.cfg.WriteTimeout > 0 {
		conn.writeTimeout = p.cfg.WriteTimeout
	}
	run.Session.conn = conn
	run.Connect = ConnectOutcome{Success: true, Info: info}
	p.transition(run, StateConnected,
		"connect_time_ms", float64(info.ConnectTime.Microseconds())/1000,
		"remote_ip", info.RemoteIP)
	return true
}

func (p *Probe) subscribe(ctx context.Context, run *Run) bool {
	if p.canceled(ctx, run, "subscribe") {
		return false
	}

	run.Subscribe.Attempted = true
	conn := run.Session.conn

	if err := conn.Send(MethodSubscribe, []any{ClientID}, SubscribeID); err != nil {
		run.Subscribe.Error = err.Error()
		p.fail(run, err)
		return false
	}

	batch, ioErr := conn.Receive(p.cfg.ReceiveTimeout)
	p.recordBatch(run, batch, ioErr)

	decided := false
	for _, msg := range batch.Messages {
		if msg.IsNotification() {
			p.dispatch(run, msg)
			continue
		}
		if decided {
			continue
		}

		if msg.HasError() {
			decided = true
			run.Subscribe.Error = msg.ErrorText()
			continue
		}

		if msg.HasID(SubscribeID) && IsSubscribeResult(msg.Result) {
			decided = true
			sub, err := ParseSubscribeResult(msg.Result)
			run.record(err)
			run.Subscribe.Success = true
			run.Session.Subscriptions = sub.Subscriptions
			run.Session.ExtraNonce1 = sub.ExtraNonce1
			run.Session.ExtraNonce2Size = sub.ExtraNonce2Size
		}
	}

	if !run.Subscribe.Success {
		if run.Subscribe.Error == "" {
			run.Subscribe.Error = fmt.Sprintf("no subscribe response within %s", p.cfg.ReceiveTimeout)
		}
		p.fail(run, errors.New(errors.ErrorTypeProtocol, "subscribe", run.Subscribe.Error))
		return false
	}

	fields := []any{}
	if en1 := run.Session.ExtraNonce1; en1 != nil {
		fields = append(fields, "extranonce1", *en1)
	}
	if size := run.Session.ExtraNonce2Size; size != nil {
		fields = append(fields, "extranonce2_size", *size)
	}
	p.transition(run, StateSubscribed, fields...)
	return true
}

// authorize is best-effort: its outcome is recorded and never halts the run
func (p *Probe) authorize(ctx context.Context, run *Run) {
	if err := ctx.Err(); err != nil {
		run.record(errors.Wrap(err, errors.ErrorTypeInternal, "authorize", "probe canceled"))
		return
	}

	run.Authorize = AuthorizeOutcome{Attempted: true, Username: p.cfg.Username}
	conn := run.Session.conn

	if err := conn.Send(MethodAuthorize, []any{p.cfg.Username, p.cfg.Password}, AuthorizeID); err != nil {
		run.Authorize.Error = err.Error()
		run.record(err)
		p.transition(run, StateAuthorizeFailed)
		return
	}

	batch, ioErr := conn.Receive(p.cfg.ReceiveTimeout)
	p.recordBatch(run, batch, ioErr)

	for _, msg := range batch.Messages {
		if msg.IsNotification() {
			p.dispatch(run, msg)
			continue
		}
		if run.Authorize.Responded || !msg.HasID(AuthorizeID) {
			continue
		}

		run.Authorize.Responded = true
		if accepted, ok := msg.Result.(bool); ok && accepted {
			run.Authorize.Success = true
			continue
		}
		run.Authorize.Error = msg.ErrorText()
		if run.Authorize.Error == "" {
			run.Authorize.Error = "authorization rejected"
		}
	}

	switch {
	case run.Authorize.Success:
		p.transition(run, StateAuthorized, "username", p.cfg.Username)
		return
	case !run.Authorize.Responded:
		run.Authorize.Error = fmt.Sprintf("no authorize response within %s", p.cfg.ReceiveTimeout)
	}
	run.record(errors.New(errors.ErrorTypeProtocol, "authorize", run.Authorize.Error))
	p.transition(run, StateAuthorizeFailed, "error", run.Authorize.Error)
}

// awaitJob polls until a job is stored, the job window elapses, the peer
// closes or ctx is done. A job seen during earlier phases ends it at once.
func (p *Probe) awaitJob(ctx context.Context, run *Run) {
	run.JobWait.Attempted = true
	p.transition(run, StateAwaitingJob)

	conn := run.Session.conn
	start := time.Now()
	deadline := start.Add(p.cfg.JobTimeout)

	for len(run.Session.Jobs) == 0 {
		if err := ctx.Err(); err != nil {
			run.record(errors.Wrap(err, errors.ErrorTypeInternal, "await_job", "probe canceled"))
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || conn.PeerClosed() {
			break
		}

		batch, ioErr := conn.Receive(min(p.cfg.ReceiveTimeout, remaining))
		p.recordBatch(run, batch, ioErr)
		for _, msg := range batch.Messages {
			if msg.IsNotification() {
				p.dispatch(run, msg)
			}
		}
		if ioErr != nil {
			break
		}
	}

	run.JobWait.Waited = time.Since(start)
	if len(run.Session.Jobs) > 0 {
		run.JobWait.Received = true
		p.transition(run, StateJobReceived, "jobs", len(run.Session.Jobs))
		return
	}

	run.record(errors.Newf(errors.ErrorTypeTimeout, "await_job",
		"no job received within %s", p.cfg.JobTimeout).
		WithContext("peer_closed", conn.PeerClosed()))
	p.transition(run, StateNoJob)
}

func (p *Probe) recordBatch(run *Run, batch Batch, ioErr error) {
	for _, err := range batch.Malformed {
		run.record(err)
	}
	if ioErr != nil {
		p.logger.WithError(ioErr).Warn("receive failed")
		run.record(ioErr)
	}
}

// dispatch applies a server notification to the session
func (p *Probe) dispatch(run *Run, msg *Message) {
	switch msg.Method {
	case MethodSetDifficulty:
		difficulty, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			p.logger.WithError(err).Warn("discarding set_difficulty")
			run.record(err)
			return
		}
		run.Session.setDifficulty(difficulty)
		p.logger.LogDifficulty(difficulty)

	case MethodNotify:
		job, err := ParseNotify(msg.Params)
		if err != nil {
			p.logger.WithError(err).Warn("discarding notify")
			run.record(err)
			return
		}
		run.Session.Jobs = append(run.Session.Jobs, job)
		p.logger.LogJob(job.JobID, job.CleanJobs, len(job.MerkleBranches))

	default:
		p.logger.Debug("ignoring notification", "method", msg.Method)
	}
}
