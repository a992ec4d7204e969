package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Report is the worker's declared resource usage and quality evidence.
// The validator measures it against the task's tier policy.
type Report struct {
	FilesTouched         int      `json:"files_touched"`
	LinesChanged         int      `json:"lines_changed"`
	DurationMs           int64    `json:"duration_ms"`
	Coverage             float64  `json:"coverage"`
	VerificationEvidence []string `json:"verification_evidence,omitempty"`
	QualityScore         float64  `json:"quality_score"`
}

// Artifact is an immutable worker output. Report is nil when the raw
// output failed to parse; the validator treats that as a gate failure.
type Artifact struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	AgentID   string            `json:"agent_id"`
	Content   string            `json:"content"`
	Report    *Report           `json:"report,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Hash      string            `json:"hash"`
}

// envelope is the wire format workers emit: a result plus a usage report.
type envelope struct {
	Result string  `json:"result"`
	Report *Report `json:"report"`
}

// New creates an artifact with a computed content hash.
func New(taskID, agentID, content string, report *Report) *Artifact {
	a := &Artifact{
		ID:        generateID(taskID, agentID, content),
		TaskID:    taskID,
		AgentID:   agentID,
		Content:   content,
		Report:    report,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}
	a.Hash = a.computeHash()
	return a
}

// Parse decodes a raw worker response. A malformed envelope still yields
// an artifact (with the raw content and no report) alongside the error,
// so validation can proceed to a verdict instead of failing.
func Parse(taskID, agentID, raw string) (*Artifact, error) {
	var env envelope
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return New(taskID, agentID, raw, nil), fmt.Errorf("parse worker output: %w", err)
	}
	if env.Report == nil {
		return New(taskID, agentID, raw, nil), fmt.Errorf("worker output missing report")
	}
	if env.Report.FilesTouched < 0 || env.Report.LinesChanged < 0 || env.Report.DurationMs < 0 {
		return New(taskID, agentID, raw, nil), fmt.Errorf("worker report declares negative usage")
	}
	return New(taskID, agentID, env.Result, env.Report), nil
}

// Encode renders an envelope in the wire format Parse accepts.
func Encode(result string, report Report) (string, error) {
	data, err := json.Marshal(envelope{Result: result, Report: &report})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WithMetadata returns a copy of the artifact with an extra annotation.
// The content hash is unchanged; metadata is not part of it.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	out := *a
	out.Metadata = make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[key] = value
	return &out
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.TaskID))
	h.Write([]byte(a.AgentID))
	h.Write([]byte(a.Content))
	return hex.EncodeToString(h.Sum(nil))
}

func generateID(taskID, agentID, content string) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte(agentID))
	h.Write([]byte(content))
	h.Write([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:12]
}
