package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditFile is the JSONL file tool invocations are appended to.
const AuditFile = "audit.jsonl"

// AuditEntry records one MCP tool invocation. Payloads such as injection
// batches are summarized, never copied.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	Timestep   uint64            `json:"timestep"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// AuditLogger appends entries to a JSONL file. It is safe for concurrent
// use. A nil AuditLogger is safe to use; all methods are no-ops on nil
// receiver.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewAuditLogger opens path for append, creating its directory. If the
// file cannot be opened a warning is printed to stderr and nil is returned.
func NewAuditLogger(path string) *AuditLogger {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory: %v\n", err)
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log: %v\n", err)
		return nil
	}
	return &AuditLogger{file: f}
}

// Log appends entry as one line.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_, _ = a.file.Write(data)
	}
}

// Close closes the file.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Parameters whose values are logged verbatim. Everything else is logged
// as "(set)" when present.
var safeValueParams = map[string]bool{
	"area":        true,
	"lookback":    true,
	"count":       true,
	"neurons":     true,
	"synapses":    true,
	"firing_rate": true,
}

// sanitizeToolParams turns tool arguments into audit metadata. Batches are
// reduced to their length; a "_param_count" key is always present.
func sanitizeToolParams(params map[string]any) map[string]string {
	if params == nil {
		return nil
	}
	result := make(map[string]string, len(params)+1)
	set := 0
	for key, val := range params {
		switch v := val.(type) {
		case nil:
			continue
		case string:
			if v == "" {
				continue
			}
		case map[string]string:
			if len(v) == 0 {
				continue
			}
		}
		if isBatch(val) && batchLen(val) == 0 {
			continue
		}
		set++
		switch {
		case safeValueParams[key]:
			result[key] = fmt.Sprintf("%v", val)
		case isBatch(val):
			result[key] = fmt.Sprintf("(%d items)", batchLen(val))
		default:
			result[key] = "(set)"
		}
	}
	result["_param_count"] = fmt.Sprintf("%d", set)
	return result
}

func isBatch(v any) bool {
	switch v.(type) {
	case []InjectionInput, []ParamInput:
		return true
	}
	return false
}

func batchLen(v any) int {
	switch b := v.(type) {
	case []InjectionInput:
		return len(b)
	case []ParamInput:
		return len(b)
	}
	return 0
}

// auditTool logs a tool invocation.
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	s.auditLogger.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		Timestep:   s.engine.Timestep(),
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
