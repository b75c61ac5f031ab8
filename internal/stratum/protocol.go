package stratum

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/bardlex/poolaudit/pkg/errors"
)

// Stratum methods used by the probe
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// Request ids of the two handshake calls
const (
	SubscribeID = 1
	AuthorizeID = 2
)

// ClientID is the user agent sent with mining.subscribe
const ClientID = "stratum_auditor/1.0"

// notifyParamCount is the minimum number of mining.notify params
const notifyParamCount = 9

// MaxExtraNonce2Size bounds the extranonce2 size accepted from a pool, in bytes
const MaxExtraNonce2Size = 32

// Message represents an inbound Stratum JSON-RPC message. Error is left
// untyped because pools disagree on its shape: ckpool sends
// [code, message, data], others send an object or a bare string.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// request is an outbound call. Params is always present on the wire.
type request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Job is one mining.notify work unit
type Job struct {
	JobID          string   `json:"job_id"`
	PrevHash       string   `json:"prevhash"`
	Coinbase1      string   `json:"coinbase1"`
	Coinbase2      string   `json:"coinbase2"`
	MerkleBranches []string `json:"merkle_branches"`
	Version        string   `json:"version"`
	NBits          string   `json:"nbits"`
	NTime          string   `json:"ntime"`
	CleanJobs      bool     `json:"clean_jobs"`
}

// SubscribeResult is the parsed result of mining.subscribe. Fields of the
// wrong JSON type are left nil.
type SubscribeResult struct {
	Subscriptions   [][]string
	ExtraNonce1     *string
	ExtraNonce2Size *int
}

// ParseMessage parses a JSON-RPC message from one line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalRequest encodes an outbound call without the trailing newline
func MarshalRequest(id int, method string, params []any) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// HasID reports whether the message id equals id. JSON numbers decode as
// float64; some pools echo the id back as a string.
func (m *Message) HasID(id int) bool {
	switch v := m.ID.(type) {
	case float64:
		return v == float64(id)
	case int:
		return v == id
	case string:
		return v == fmt.Sprint(id)
	default:
		return false
	}
}

// IsNotification returns true for server pushes. The id is ignored since
// some servers put a non-null id on notifications.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// HasError returns true if the error field is present and not null
func (m *Message) HasError() bool {
	return m.Error != nil
}

// ErrorText renders the error field for reports and logs
func (m *Message) ErrorText() string {
	switch e := m.Error.(type) {
	case nil:
		return ""
	case string:
		return e
	case []any:
		// [code, message, traceback]
		if len(e) >= 2 {
			return fmt.Sprintf("%v: %v", e[0], e[1])
		}
	case map[string]any:
		if msg, ok := e["message"]; ok {
			if code, ok := e["code"]; ok {
				return fmt.Sprintf("%v: %v", code, msg)
			}
			return fmt.Sprint(msg)
		}
	}
	data, err := json.Marshal(m.Error)
	if err != nil {
		return fmt.Sprint(m.Error)
	}
	return string(data)
}

// IsSubscribeResult reports whether result has the [subscriptions,
// extranonce1, extranonce2_size] shape
func IsSubscribeResult(result any) bool {
	list, ok := result.([]any)
	return ok && len(list) >= 3
}

// ParseSubscribeResult parses a mining.subscribe result. A list with fewer
// than 3 elements is rejected; type mismatches inside it leave the field nil
// and are reported through the returned error alongside the partial result.
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	list, ok := result.([]any)
	if !ok || len(list) < 3 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_subscribe",
			"result is not a list of at least 3 elements")
	}

	sub := &SubscribeResult{Subscriptions: parseSubscriptions(list[0])}
	var problems []string

	if en1, ok := list[1].(string); ok {
		sub.ExtraNonce1 = &en1
	} else {
		problems = append(problems, fmt.Sprintf("extranonce1 has type %T", list[1]))
	}

	switch size, ok := list[2].(float64); {
	case !ok || size < 0 || size != math.Trunc(size):
		problems = append(problems, fmt.Sprintf("extranonce2_size is not a non-negative integer: %v", list[2]))
	case size > MaxExtraNonce2Size:
		problems = append(problems, fmt.Sprintf("extranonce2_size %v exceeds %d bytes", list[2], MaxExtraNonce2Size))
	default:
		n := int(size)
		sub.ExtraNonce2Size = &n
	}

	if len(problems) > 0 {
		return sub, errors.New(errors.ErrorTypeProtocol, "parse_subscribe", strings.Join(problems, "; "))
	}
	return sub, nil
}

func parseSubscriptions(v any) [][]string {
	list, ok := v.([]any)
	if !ok {
		return [][]string{}
	}

	// Some pools send a single pair instead of a list of pairs
	if len(list) > 0 {
		if _, isString := list[0].(string); isString {
			list = []any{list}
		}
	}

	subs := make([][]string, 0, len(list))
	for _, entry := range list {
		pair, ok := entry.([]any)
		if !ok {
			continue
		}
		row := make([]string, 0, len(pair))
		for _, item := range pair {
			row = append(row, fmt.Sprint(item))
		}
		subs = append(subs, row)
	}
	return subs
}

// ParseNotify builds a Job from mining.notify params:
// job_id, prevhash, coinb1, coinb2, merkle_branch, version, nbits, ntime, clean_jobs
func ParseNotify(params []any) (Job, error) {
	if len(params) < notifyParamCount {
		return Job{}, errors.Newf(errors.ErrorTypeProtocol, "parse_notify",
			"expected at least %d params, got %d", notifyParamCount, len(params))
	}

	var job Job
	strs := []struct {
		name string
		dst  *string
		val  any
	}{
		{"job_id", &job.JobID, params[0]},
		{"prevhash", &job.PrevHash, params[1]},
		{"coinb1", &job.Coinbase1, params[2]},
		{"coinb2", &job.Coinbase2, params[3]},
		{"version", &job.Version, params[5]},
		{"nbits", &job.NBits, params[6]},
		{"ntime", &job.NTime, params[7]},
	}
	for _, s := range strs {
		v, ok := s.val.(string)
		if !ok {
			return Job{}, errors.Newf(errors.ErrorTypeProtocol, "parse_notify",
				"%s must be string, got %T", s.name, s.val)
		}
		*s.dst = v
	}

	branches, ok := params[4].([]any)
	if !ok {
		return Job{}, errors.Newf(errors.ErrorTypeProtocol, "parse_notify",
			"merkle_branch must be a list, got %T", params[4])
	}
	job.MerkleBranches = make([]string, 0, len(branches))
	for i, b := range branches {
		hash, ok := b.(string)
		if !ok {
			return Job{}, errors.Newf(errors.ErrorTypeProtocol, "parse_notify",
				"merkle_branch[%d] must be string, got %T", i, b)
		}
		job.MerkleBranches = append(job.MerkleBranches, hash)
	}

	clean, ok := params[8].(bool)
	if !ok {
		return Job{}, errors.Newf(errors.ErrorTypeProtocol, "parse_notify",
			"clean_jobs must be bool, got %T", params[8])
	}
	job.CleanJobs = clean

	return job, nil
}

// ParseSetDifficulty parses mining.set_difficulty params
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, errors.New(errors.ErrorTypeProtocol, "parse_set_difficulty", "missing difficulty param")
	}

	difficulty, ok := params[0].(float64)
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeProtocol, "parse_set_difficulty",
			"difficulty must be numeric, got %T", params[0])
	}
	return difficulty, nil
}
