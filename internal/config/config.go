// Package config resolves runtime options from three layers: built-in
// defaults, an optional .zace/config.yaml, and environment variables
// (ZACE_*). Env wins over file, file wins over defaults. A .env file is
// loaded first via godotenv so local development credentials work the same
// way as exported variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Validation-policy modes for completion.
type CompletionValidationMode string

const (
	ValidationStrict   CompletionValidationMode = "strict"
	ValidationBalanced CompletionValidationMode = "balanced"
	ValidationLLMOnly  CompletionValidationMode = "llm_only"
)

// Planner transport modes.
type PlannerOutputMode string

const (
	PlannerAuto         PlannerOutputMode = "auto"
	PlannerSchemaStrict PlannerOutputMode = "schema_strict"
	PlannerPromptOnly   PlannerOutputMode = "prompt_only"
)

// Executor-analysis policy.
type ExecutorAnalysisMode string

const (
	AnalysisAlways    ExecutorAnalysisMode = "always"
	AnalysisOnFailure ExecutorAnalysisMode = "on_failure"
	AnalysisNever     ExecutorAnalysisMode = "never"
)

// Doc-context preload modes.
type DocContextMode string

const (
	DocsOff      DocContextMode = "off"
	DocsTargeted DocContextMode = "targeted"
	DocsBroad    DocContextMode = "broad"
)

// Config carries every recognized runtime option.
// Zero value is not usable; construct through Default or Load.
type Config struct {
	WorkspaceRoot string `yaml:"workspaceRoot"`

	MaxSteps int `yaml:"maxSteps"`

	RequireRiskyConfirmation bool   `yaml:"requireRiskyConfirmation"`
	RiskyConfirmationToken   string `yaml:"riskyConfirmationToken"`

	ApprovalMemoryEnabled bool          `yaml:"approvalMemoryEnabled"`
	ApprovalRulesPath     string        `yaml:"approvalRulesPath"`
	PendingActionMaxAge   time.Duration `yaml:"pendingActionMaxAge"`

	CompletionValidationMode       CompletionValidationMode `yaml:"completionValidationMode"`
	CompletionRequireDiscoveredGates bool                   `yaml:"completionRequireDiscoveredGates"`
	CompletionRequireLsp           bool                     `yaml:"completionRequireLsp"`
	GateDisallowMasking            bool                     `yaml:"gateDisallowMasking"`

	LspEnabled              bool   `yaml:"lspEnabled"`
	LspServerConfigPath     string `yaml:"lspServerConfigPath"`
	LspAutoProvision        bool   `yaml:"lspAutoProvision"`
	LspBootstrapBlockOnFailed bool `yaml:"lspBootstrapBlockOnFailed"`
	LspProvisionMaxAttempts int    `yaml:"lspProvisionMaxAttempts"`
	LspWaitForDiagnosticsMs int    `yaml:"lspWaitForDiagnosticsMs"`
	LspMaxDiagnosticsPerFile int   `yaml:"lspMaxDiagnosticsPerFile"`
	LspMaxFilesInOutput     int    `yaml:"lspMaxFilesInOutput"`

	CompactionEnabled               bool    `yaml:"compactionEnabled"`
	CompactionTriggerRatio          float64 `yaml:"compactionTriggerRatio"`
	CompactionPreserveRecentMessages int    `yaml:"compactionPreserveRecentMessages"`
	ContextWindowTokens             int     `yaml:"contextWindowTokens"`

	DoomLoopThreshold        int `yaml:"doomLoopThreshold"`
	StagnationWindow         int `yaml:"stagnationWindow"`
	ReadonlyStagnationWindow int `yaml:"readonlyStagnationWindow"`
	WriteRegressionErrorSpike int `yaml:"writeRegressionErrorSpike"`

	TransientRetryMaxAttempts int                  `yaml:"transientRetryMaxAttempts"`
	TransientRetryMaxDelayMs  int                  `yaml:"transientRetryMaxDelayMs"`
	ExecutorAnalysis          ExecutorAnalysisMode `yaml:"executorAnalysis"`

	PlannerOutputMode          PlannerOutputMode `yaml:"plannerOutputMode"`
	PlannerSchemaStrict        bool              `yaml:"plannerSchemaStrict"`
	PlannerParseMaxRepairs     int               `yaml:"plannerParseMaxRepairs"`
	PlannerParseRetryOnFailure bool              `yaml:"plannerParseRetryOnFailure"`
	PlannerMaxInvalidArtifactChars int           `yaml:"plannerMaxInvalidArtifactChars"`

	DocContextMode     DocContextMode `yaml:"docContextMode"`
	DocContextMaxFiles int            `yaml:"docContextMaxFiles"`
	DocContextMaxChars int            `yaml:"docContextMaxChars"`

	Stream bool `yaml:"stream"`
}

// Default returns the baseline configuration rooted at workspaceRoot.
func Default(workspaceRoot string) Config {
	return Config{
		WorkspaceRoot: workspaceRoot,

		MaxSteps: 40,

		RequireRiskyConfirmation: true,
		RiskyConfirmationToken:   "YOLO",

		ApprovalMemoryEnabled: true,
		ApprovalRulesPath:     filepath.Join(workspaceRoot, ".zace", "approvals.json"),
		PendingActionMaxAge:   24 * time.Hour,

		CompletionValidationMode:         ValidationStrict,
		CompletionRequireDiscoveredGates: false,
		CompletionRequireLsp:             false,
		GateDisallowMasking:              true,

		LspEnabled:                true,
		LspServerConfigPath:       filepath.Join(workspaceRoot, ".zace", "runtime", "lsp", "servers.json"),
		LspAutoProvision:          true,
		LspBootstrapBlockOnFailed: false,
		LspProvisionMaxAttempts:   3,
		LspWaitForDiagnosticsMs:   2000,
		LspMaxDiagnosticsPerFile:  20,
		LspMaxFilesInOutput:       10,

		CompactionEnabled:                true,
		CompactionTriggerRatio:           0.8,
		CompactionPreserveRecentMessages: 8,

		DoomLoopThreshold:         3,
		StagnationWindow:          5,
		ReadonlyStagnationWindow:  4,
		WriteRegressionErrorSpike: 5,

		TransientRetryMaxAttempts: 2,
		TransientRetryMaxDelayMs:  5000,
		ExecutorAnalysis:          AnalysisOnFailure,

		PlannerOutputMode:              PlannerAuto,
		PlannerSchemaStrict:            true,
		PlannerParseMaxRepairs:         2,
		PlannerParseRetryOnFailure:     true,
		PlannerMaxInvalidArtifactChars: 20000,

		DocContextMode:     DocsTargeted,
		DocContextMaxFiles: 5,
		DocContextMaxChars: 16000,

		Stream: false,
	}
}

// Load builds the effective config for workspaceRoot: defaults, overlaid by
// .zace/config.yaml when present, overlaid by ZACE_* environment variables.
func Load(workspaceRoot string) (Config, error) {
	_ = godotenv.Load(filepath.Join(workspaceRoot, ".env"))

	cfg := Default(workspaceRoot)

	path := filepath.Join(workspaceRoot, ".zace", "config.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.WorkspaceRoot = workspaceRoot
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("config: maxSteps must be >= 1, got %d", c.MaxSteps)
	}
	switch c.CompletionValidationMode {
	case ValidationStrict, ValidationBalanced, ValidationLLMOnly:
	default:
		return fmt.Errorf("config: unknown completionValidationMode %q", c.CompletionValidationMode)
	}
	switch c.PlannerOutputMode {
	case PlannerAuto, PlannerSchemaStrict, PlannerPromptOnly:
	default:
		return fmt.Errorf("config: unknown plannerOutputMode %q", c.PlannerOutputMode)
	}
	switch c.DocContextMode {
	case DocsOff, DocsTargeted, DocsBroad:
	default:
		return fmt.Errorf("config: unknown docContextMode %q", c.DocContextMode)
	}
	switch c.ExecutorAnalysis {
	case AnalysisAlways, AnalysisOnFailure, AnalysisNever:
	default:
		return fmt.Errorf("config: unknown executorAnalysis %q", c.ExecutorAnalysis)
	}
	if c.CompactionTriggerRatio <= 0 || c.CompactionTriggerRatio > 1 {
		return fmt.Errorf("config: compactionTriggerRatio must be in (0,1], got %v", c.CompactionTriggerRatio)
	}
	return nil
}

// applyEnv overrides cfg fields from ZACE_* variables. Unset or malformed
// values leave the field unchanged.
func applyEnv(cfg *Config) {
	envInt("ZACE_MAX_STEPS", &cfg.MaxSteps)
	envBool("ZACE_REQUIRE_RISKY_CONFIRMATION", &cfg.RequireRiskyConfirmation)
	envStr("ZACE_RISKY_CONFIRMATION_TOKEN", &cfg.RiskyConfirmationToken)
	envBool("ZACE_APPROVAL_MEMORY_ENABLED", &cfg.ApprovalMemoryEnabled)
	envStr("ZACE_APPROVAL_RULES_PATH", &cfg.ApprovalRulesPath)
	if v := os.Getenv("ZACE_PENDING_ACTION_MAX_AGE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PendingActionMaxAge = time.Duration(ms) * time.Millisecond
		}
	}
	envStr("ZACE_COMPLETION_VALIDATION_MODE", (*string)(&cfg.CompletionValidationMode))
	envBool("ZACE_COMPLETION_REQUIRE_DISCOVERED_GATES", &cfg.CompletionRequireDiscoveredGates)
	envBool("ZACE_COMPLETION_REQUIRE_LSP", &cfg.CompletionRequireLsp)
	envBool("ZACE_GATE_DISALLOW_MASKING", &cfg.GateDisallowMasking)
	envBool("ZACE_LSP_ENABLED", &cfg.LspEnabled)
	envStr("ZACE_LSP_SERVER_CONFIG_PATH", &cfg.LspServerConfigPath)
	envBool("ZACE_LSP_AUTO_PROVISION", &cfg.LspAutoProvision)
	envBool("ZACE_LSP_BOOTSTRAP_BLOCK_ON_FAILED", &cfg.LspBootstrapBlockOnFailed)
	envInt("ZACE_LSP_PROVISION_MAX_ATTEMPTS", &cfg.LspProvisionMaxAttempts)
	envBool("ZACE_COMPACTION_ENABLED", &cfg.CompactionEnabled)
	envFloat("ZACE_COMPACTION_TRIGGER_RATIO", &cfg.CompactionTriggerRatio)
	envInt("ZACE_COMPACTION_PRESERVE_RECENT_MESSAGES", &cfg.CompactionPreserveRecentMessages)
	envInt("ZACE_CONTEXT_WINDOW_TOKENS", &cfg.ContextWindowTokens)
	envInt("ZACE_DOOM_LOOP_THRESHOLD", &cfg.DoomLoopThreshold)
	envInt("ZACE_STAGNATION_WINDOW", &cfg.StagnationWindow)
	envInt("ZACE_READONLY_STAGNATION_WINDOW", &cfg.ReadonlyStagnationWindow)
	envInt("ZACE_WRITE_REGRESSION_ERROR_SPIKE", &cfg.WriteRegressionErrorSpike)
	envInt("ZACE_TRANSIENT_RETRY_MAX_ATTEMPTS", &cfg.TransientRetryMaxAttempts)
	envInt("ZACE_TRANSIENT_RETRY_MAX_DELAY_MS", &cfg.TransientRetryMaxDelayMs)
	envStr("ZACE_EXECUTOR_ANALYSIS", (*string)(&cfg.ExecutorAnalysis))
	envStr("ZACE_PLANNER_OUTPUT_MODE", (*string)(&cfg.PlannerOutputMode))
	envBool("ZACE_PLANNER_SCHEMA_STRICT", &cfg.PlannerSchemaStrict)
	envInt("ZACE_PLANNER_PARSE_MAX_REPAIRS", &cfg.PlannerParseMaxRepairs)
	envBool("ZACE_PLANNER_PARSE_RETRY_ON_FAILURE", &cfg.PlannerParseRetryOnFailure)
	envInt("ZACE_PLANNER_MAX_INVALID_ARTIFACT_CHARS", &cfg.PlannerMaxInvalidArtifactChars)
	envStr("ZACE_DOC_CONTEXT_MODE", (*string)(&cfg.DocContextMode))
	envInt("ZACE_DOC_CONTEXT_MAX_FILES", &cfg.DocContextMaxFiles)
	envInt("ZACE_DOC_CONTEXT_MAX_CHARS", &cfg.DocContextMaxChars)
	envBool("ZACE_STREAM", &cfg.Stream)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
