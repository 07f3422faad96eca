// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package critic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/autoeda/pkg/logging"
	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/redact"
)

var tracer = otel.Tracer("autoeda.critic")

// ErrNoAPIKey is returned when neither the key variable nor the key file
// provides a key.
var ErrNoAPIKey = errors.New("critic API key not configured")

// maxStdoutInPrompt bounds how much captured output is sent back.
const maxStdoutInPrompt = 2000

const systemPrompt = `You review Python exploratory data analysis code that ran in a sandbox.
The code sees a pandas DataFrame named df and the names pd, np, plt, matplotlib, stats and OUTPUT_DIR.
Only pandas, numpy, matplotlib and scipy may be imported. Files may only be written under OUTPUT_DIR.
The code must assign a dict named manifest describing what it produced.
Reply with a JSON object only: {"status": "ok" | "fix", "python": "<complete corrected program>", "notes": "<short reason>"}.`

// reply is the JSON object the model returns.
type reply struct {
	Status   string `json:"status"`
	Python   string `json:"python"`
	FixPatch string `json:"fix_patch"`
	Notes    string `json:"notes"`
}

// OpenAIReviser asks an OpenAI-compatible chat completion endpoint
// (DeepSeek by default) for a corrected program.
//
// Thread Safety: Safe for concurrent use. Requests share one rate limiter.
type OpenAIReviser struct {
	baseURL     string
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	key         *memguard.Enclave
	redactor    *redact.Engine
	logger      *logging.Logger
}

// NewOpenAIReviser builds a reviser from configuration.
//
// Description:
//
//	The API key is read from the configured environment variable, or
//	from APIKeyFile when the variable is empty, and sealed in a memguard
//	enclave. It is only unsealed for the duration of a request.
//
// Inputs:
//
//	cfg - Critic settings.
//	logger - Logger; nil uses logging.Nop().
//
// Outputs:
//
//	*OpenAIReviser - Ready to use.
//	error - ErrNoAPIKey when no key is available.
func NewOpenAIReviser(cfg config.CriticConfig, logger *logging.Logger) (*OpenAIReviser, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	key, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}

	var redactor *redact.Engine
	if cfg.Redact {
		if redactor, err = redact.New(); err != nil {
			return nil, fmt.Errorf("load redaction patterns: %w", err)
		}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger.Info("critic initialised", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &OpenAIReviser{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
		limiter:     rate.NewLimiter(limit, 1),
		key:         memguard.NewEnclave(key),
		redactor:    redactor,
		logger:      logger,
	}, nil
}

func loadKey(cfg config.CriticConfig) ([]byte, error) {
	if cfg.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv)); v != "" {
			return []byte(v), nil
		}
	}
	if cfg.APIKeyFile != "" {
		data, err := os.ReadFile(cfg.APIKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read critic API key file: %w", err)
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			return []byte(v), nil
		}
	}
	return nil, ErrNoAPIKey
}

// Revise requests a corrected program for the attempt.
//
// Outputs:
//
//	*datatypes.CodeUnit - Replacement keeping the title, expected outputs
//	                      and manifest schema of req.Unit. Nil when the
//	                      model answers "ok" or returns no code.
//	error - Transport, rate limiter or decoding failures.
func (r *OpenAIReviser) Revise(ctx context.Context, req RevisionRequest) (*datatypes.CodeUnit, error) {
	ctx, span := tracer.Start(ctx, "OpenAIReviser.Revise", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.Int("task.attempt", req.Attempt),
		attribute.String("critic.model", r.model),
	))
	defer span.End()

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("critic rate limit: %w", err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	prompt, masked, err := buildPrompt(req, r.redactor)
	if err != nil {
		return nil, err
	}
	if masked > 0 {
		span.SetAttributes(attribute.Int("critic.redactions", masked))
		r.logger.Info("critic prompt redacted", "task_id", req.TaskID, "attempt", req.Attempt, "redactions", masked)
	}

	content, err := r.complete(ctx, prompt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("critic request failed", "task_id", req.TaskID, "attempt", req.Attempt, "error", err.Error())
		return nil, err
	}

	var rep reply
	if err := json.Unmarshal([]byte(extractJSON(content)), &rep); err != nil {
		span.SetStatus(codes.Error, "invalid reply")
		return nil, fmt.Errorf("decode critic reply: %w", err)
	}
	code := rep.Python
	if strings.TrimSpace(code) == "" {
		code = rep.FixPatch
	}
	code = stripFences(code)
	span.SetAttributes(attribute.String("critic.status", rep.Status))

	if strings.EqualFold(rep.Status, "ok") || !hasCode(code) {
		r.logger.Info("critic offered no revision", "task_id", req.TaskID, "attempt", req.Attempt, "notes", rep.Notes)
		return nil, nil
	}

	r.logger.Info("critic proposed revision", "task_id", req.TaskID, "attempt", req.Attempt, "notes", rep.Notes)
	next := inherit(datatypes.CodeUnit{Source: code}, req.Unit)
	return &next, nil
}

func (r *OpenAIReviser) complete(ctx context.Context, prompt string) (string, error) {
	buf, err := r.key.Open()
	if err != nil {
		return "", fmt.Errorf("open critic key: %w", err)
	}
	// The string conversion copies the key out of locked memory.
	cfg := openai.DefaultConfig(string(buf.Bytes()))
	buf.Destroy()
	if r.baseURL != "" {
		cfg.BaseURL = r.baseURL
	}
	cfg.HTTPClient = r.httpClient
	client := openai.NewClientWithConfig(cfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    r.temperature,
		MaxTokens:      r.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("critic completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("critic completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// promptPayload is the JSON document sent as the user message.
type promptPayload struct {
	Role           string                   `json:"role"`
	Step           string                   `json:"step"`
	Title          string                   `json:"title"`
	Code           string                   `json:"code"`
	ManifestSchema datatypes.ManifestSchema `json:"manifest_schema,omitempty"`
	ExecOK         bool                     `json:"exec_ok"`
	Error          *datatypes.ExecError     `json:"error,omitempty"`
	Stdout         string                   `json:"stdout,omitempty"`
	MissingFields  []datatypes.MissingField `json:"missing_fields,omitempty"`
	LinterFlags    []datatypes.LinterFlag   `json:"linter_flags,omitempty"`
	MustFix        []string                 `json:"must_fix,omitempty"`
}

// buildPrompt encodes the request. A non-nil redactor masks stdout and the
// error message; the returned count is the number of masked matches.
func buildPrompt(req RevisionRequest, redactor *redact.Engine) (string, int, error) {
	p := promptPayload{
		Role:           "critic",
		Step:           "critique",
		Title:          req.Unit.Title,
		Code:           req.Unit.Source,
		ManifestSchema: req.Unit.ManifestSchema,
	}
	if res := req.Result; res != nil {
		p.ExecOK = res.ExecOK
		p.Error = res.Error
		p.Stdout = tail(res.Stdout, maxStdoutInPrompt)
		p.LinterFlags = res.LinterFlags
		if res.Evidence != nil {
			p.MissingFields = res.Evidence.Missing
		}
	}
	for _, f := range req.Blocking {
		p.MustFix = append(p.MustFix, f.Rule+": "+f.Message)
	}

	masked := 0
	if redactor != nil {
		var n int
		p.Stdout, n = redactor.Redact(p.Stdout)
		masked += n
		if p.Error != nil {
			e := *p.Error
			e.Message, n = redactor.Redact(e.Message)
			masked += n
			p.Error = &e
		}
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", 0, fmt.Errorf("encode critic prompt: %w", err)
	}
	return string(data), masked, nil
}

// extractJSON returns the outermost {...} of s, tolerating prose or
// fences around the object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func stripFences(code string) string {
	trimmed := strings.TrimSpace(code)
	if !strings.HasPrefix(trimmed, "```") {
		return code
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed) + "\n"
}

// hasCode reports whether code has a line that is not blank or a comment.
func hasCode(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
