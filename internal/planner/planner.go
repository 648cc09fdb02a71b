package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/zacedev/zace/internal/config"
	"github.com/zacedev/zace/internal/llm"
	"github.com/zacedev/zace/internal/types"
)

// schemaJSON is the JSON Schema sent as response_format when the transport
// supports structured output. It mirrors wirePlan.
const schemaJSON = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["continue", "complete", "blocked", "ask_user"]},
    "reasoning": {"type": "string"},
    "userMessage": {"type": "string"},
    "toolCall": {
      "type": ["object", "null"],
      "properties": {
        "name": {"type": "string"},
        "arguments": {"type": "object"},
        "retryMaxAttempts": {"type": ["integer", "null"]},
        "retryMaxDelayMs": {"type": ["integer", "null"]}
      },
      "required": ["name", "arguments"],
      "additionalProperties": false
    },
    "completionGates": {"type": "array", "items": {"type": "string"}},
    "completionGatesNone": {"type": "boolean"}
  },
  "required": ["action", "reasoning"],
  "additionalProperties": false
}`

// reissueNudge is appended as a user message when a reply was unparseable and
// plannerParseRetryOnFailure is enabled.
const reissueNudge = `Your previous reply could not be parsed. Respond with a single JSON object only: {"action": "...", "reasoning": "...", ...}. No prose outside the object.`

// EmitFunc receives parse-path events (schema fallback, repairs applied,
// parse exhausted) as they happen, before the PlanResult is returned.
type EmitFunc func(event string, payload map[string]any)

// Planner issues one planning call per step and decodes the reply.
type Planner struct {
	client llm.ChatClient
	cfg    config.Config
	emit   EmitFunc
	stream *llm.ChatOptions
}

// New builds a Planner. emit may be nil.
func New(client llm.ChatClient, cfg config.Config, emit EmitFunc) *Planner {
	p := &Planner{client: client, cfg: cfg, emit: emit}
	if cfg.Stream {
		p.stream = &llm.ChatOptions{Stream: true}
	}
	return p
}

// StreamTokens routes streamed planner tokens to fn. A no-op unless
// streaming is enabled in config.
func (p *Planner) StreamTokens(fn func(token string)) {
	if p.stream != nil {
		p.stream.OnToken = fn
	}
}

func (p *Planner) emitEvent(event string, payload map[string]any) {
	if p.emit != nil {
		p.emit(event, payload)
	}
}

func (p *Planner) artifactDir() string {
	return filepath.Join(p.cfg.WorkspaceRoot, ".zace", "runtime", "planner")
}

// Plan sends messages to the planner model and decodes the reply into a
// PlanResult.
//
// Expectations:
//   - plannerOutputMode auto: schema transport first; on a provider that
//     rejects response_format the request is re-issued once without it and
//     the session continues on the prompt path
//   - plannerOutputMode schema_strict: a rejected response_format yields a
//     blocked PlanResult carrying schemaUnsupportedReason, never a fallback
//   - a fully unparseable reply is retried once (when configured), then the
//     raw reply is written to the invalid-output artifact and a blocked
//     PlanResult with parseMode failed is returned
//   - a tool call violating its tool schema returns the PlanResult together
//     with a *ValidationError; the caller feeds the violation back
func (p *Planner) Plan(ctx context.Context, messages []types.Message) (*types.PlanResult, error) {
	req := llm.ChatRequest{Messages: messages, CallKind: llm.KindPlanner}
	useSchema := p.cfg.PlannerOutputMode != config.PlannerPromptOnly
	if useSchema {
		req.ResponseFormat = &llm.ResponseFormat{
			Type:   "json_schema",
			Name:   "plan",
			Schema: json.RawMessage(schemaJSON),
			Strict: p.cfg.PlannerSchemaStrict,
		}
	}

	resp, err := p.client.Chat(ctx, req, p.stream)
	if err != nil {
		var te *llm.TransportError
		if errors.As(err, &te) && te.ResponseFormatUnsupported {
			if p.cfg.PlannerOutputMode == config.PlannerSchemaStrict {
				return &types.PlanResult{
					Action:                  types.ActionBlocked,
					Reasoning:               "planner schema transport unavailable",
					UserMessage:             fmt.Sprintf("The configured provider does not support structured output: %s", te.ProviderMessage),
					ParseMode:               types.ParseFailed,
					SchemaUnsupportedReason: te.ProviderMessage,
				}, nil
			}
			// auto: drop the format and stay on the prompt path
			p.emitEvent(types.EventPlannerSchemaFallback, map[string]any{"reason": te.ProviderMessage})
			slog.Warn("[planner] schema transport unsupported, falling back to prompt JSON", "reason", te.ProviderMessage)
			req.ResponseFormat = nil
			useSchema = false
			resp, err = p.client.Chat(ctx, req, p.stream)
		}
		if err != nil {
			return nil, err
		}
	}

	usage := resp.Usage
	st := &parseState{}

	if useSchema && resp.Structured != nil {
		pr, perr := parseStructured(resp.Structured, st)
		if pr != nil {
			pr.Usage = usage
			return pr, perr
		}
		// structured payload rejected; fall through to text parsing
	}

	pr, perr := p.parseWithRetry(ctx, messages, resp.Content, usage, st)
	return pr, perr
}

// parseWithRetry runs the text parse path, optionally re-asking the model
// once after an unparseable reply, and writes the invalid-output artifact on
// final failure.
func (p *Planner) parseWithRetry(ctx context.Context, messages []types.Message, raw string, usage *types.Usage, st *parseState) (*types.PlanResult, error) {
	pr, perr := parseText(raw, p.cfg.PlannerParseMaxRepairs, st)
	if pr != nil {
		if st.repairs > 0 {
			p.emitEvent(types.EventPlannerRepairApplied, map[string]any{"repairs": st.repairs})
		}
		pr.Usage = usage
		return pr, perr
	}

	if p.cfg.PlannerParseRetryOnFailure {
		retryMsgs := append(append([]types.Message(nil), messages...),
			types.Message{Role: types.RoleAssistant, Content: raw},
			types.Message{Role: types.RoleUser, Content: reissueNudge},
		)
		resp, err := p.client.Chat(ctx, llm.ChatRequest{Messages: retryMsgs, CallKind: llm.KindPlanner}, p.stream)
		if err == nil {
			usage = sumUsage(usage, resp.Usage)
			if pr, perr := parseText(resp.Content, p.cfg.PlannerParseMaxRepairs, st); pr != nil {
				if st.repairs > 0 {
					p.emitEvent(types.EventPlannerRepairApplied, map[string]any{"repairs": st.repairs})
				}
				pr.Usage = usage
				return pr, perr
			}
			raw = resp.Content
		} else {
			slog.Warn("[planner] parse-retry call failed", "error", err)
		}
	}

	artifact := writeInvalidArtifact(p.artifactDir(), raw, p.cfg.PlannerMaxInvalidArtifactChars)
	p.emitEvent(types.EventPlannerParseExhausted, map[string]any{
		"attempts":        st.attempts,
		"rawInvalidCount": st.rawInvalid,
		"artifactPath":    artifact,
	})
	return &types.PlanResult{
		Action:                    types.ActionBlocked,
		Reasoning:                 "planner output could not be parsed",
		UserMessage:               "The planner produced output that could not be decoded after all repair attempts.",
		ParseMode:                 types.ParseFailed,
		ParseAttempts:             st.attempts,
		RawInvalidCount:           st.rawInvalid,
		InvalidOutputArtifactPath: artifact,
		Usage:                     usage,
	}, nil
}

func sumUsage(a, b *types.Usage) *types.Usage {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &types.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
