package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Language is a supported script language.
type Language string

const (
	LanguagePython Language = "python"
	LanguageR      Language = "r"
	LanguageSQL    Language = "sql"
)

// ParseLanguage normalizes a language tag.
func ParseLanguage(s string) (Language, bool) {
	switch l := Language(strings.ToLower(strings.TrimSpace(s))); l {
	case LanguagePython, LanguageR, LanguageSQL:
		return l, true
	default:
		return l, false
	}
}

// Script size ceilings in bytes.
const (
	MaxScriptBytes = 50_000
	MaxQueryBytes  = 10_000
)

// AnalysisLevel caps a script's CPU, memory and timeout.
type AnalysisLevel string

const (
	LevelBasic        AnalysisLevel = "basic"
	LevelIntermediate AnalysisLevel = "intermediate"
	LevelAdvanced     AnalysisLevel = "advanced"
)

// ResourceLimits is the ceiling applied to one execution.
type ResourceLimits struct {
	CPU     float64       `json:"cpu" yaml:"cpu"`
	Memory  string        `json:"memory" yaml:"memory"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// MarshalJSON renders the timeout in seconds.
func (l ResourceLimits) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CPU     float64 `json:"cpu"`
		Memory  string  `json:"memory"`
		Timeout int     `json:"timeout_seconds"`
	}{l.CPU, l.Memory, int(l.Timeout / time.Second)})
}

// DefaultLimits returns the per-level ceilings.
func DefaultLimits() map[AnalysisLevel]ResourceLimits {
	return map[AnalysisLevel]ResourceLimits{
		LevelBasic:        {CPU: 0.5, Memory: "256m", Timeout: 30 * time.Second},
		LevelIntermediate: {CPU: 1.0, Memory: "512m", Timeout: 60 * time.Second},
		LevelAdvanced:     {CPU: 2.0, Memory: "1g", Timeout: 120 * time.Second},
	}
}

// ScriptRequest is one script submission.
type ScriptRequest struct {
	Script        string
	Language      Language
	AnalysisLevel AnalysisLevel
	Filter        *Filter

	// Timeout overrides the level timeout. Zero means the level ceiling.
	Timeout time.Duration

	// UseCache enables the query result cache (sql only).
	UseCache bool
}

// ScriptState is a step of the execution state machine.
type ScriptState string

const (
	StateValidating ScriptState = "validating"
	StatePreparing  ScriptState = "preparing"
	StateExecuting  ScriptState = "executing"
	StateCompleted  ScriptState = "completed"
	StateFailed     ScriptState = "failed"
	StateTimedOut   ScriptState = "timed_out"
)

// ScriptResult is the outcome of one invocation. It is never persisted by
// the engine.
type ScriptResult struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	Timestamp     time.Time       `json:"timestamp"`
	Cached        bool            `json:"cached"`
	Metadata      ScriptMetadata  `json:"metadata"`
}

// ScriptMetadata describes how a script ran.
type ScriptMetadata struct {
	ExecutionID   string         `json:"execution_id"`
	Language      Language       `json:"language"`
	AnalysisLevel AnalysisLevel  `json:"analysis_level"`
	State         ScriptState    `json:"state"`
	RecordCount   int            `json:"record_count"`
	Limits        ResourceLimits `json:"limits"`
}
