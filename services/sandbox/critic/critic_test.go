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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autoeda/services/sandbox/config"
	"github.com/AleutianAI/autoeda/services/sandbox/datatypes"
	"github.com/AleutianAI/autoeda/services/sandbox/redact"
)

func failedRequest() RevisionRequest {
	unit := datatypes.CodeUnit{
		Title:           "Income histogram",
		Source:          "x = 1 / 0\n",
		ExpectedOutputs: []string{"income.png"},
		ManifestSchema:  datatypes.ManifestSchema{"title": datatypes.FieldString},
	}
	return RevisionRequest{
		TaskID:  "income",
		Attempt: 1,
		Unit:    unit,
		Result: datatypes.NewFailedResult("income", 1, unit, &datatypes.ExecError{
			Kind: datatypes.RuntimeFailure, Type: "ZeroDivisionError", Message: "division by zero",
		}),
	}
}

// fakeCompletions serves /v1/chat/completions with a fixed assistant
// message and records the last request body.
func fakeCompletions(t *testing.T, content string, seen *openAIRequest, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "deepseek-chat",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type openAIRequest struct {
	Model          string `json:"model"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestReviser(t *testing.T, baseURL string) *OpenAIReviser {
	t.Helper()
	t.Setenv("AUTOEDA_TEST_KEY", "test-key")
	cfg := config.Default().Critic
	cfg.BaseURL = baseURL + "/v1"
	cfg.APIKeyEnv = "AUTOEDA_TEST_KEY"
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	r, err := NewOpenAIReviser(cfg, nil)
	require.NoError(t, err)
	return r
}

func TestOpenAIReviser_ProposesFix(t *testing.T) {
	var seen openAIRequest
	content := `{"status":"fix","python":"` + "```python\\nmanifest = {'title': 'Income'}\\n```" + `","notes":"avoid division"}`
	srv := fakeCompletions(t, content, &seen, nil)

	next, err := newTestReviser(t, srv.URL).Revise(context.Background(), failedRequest())
	require.NoError(t, err)
	require.NotNil(t, next)

	assert.Equal(t, "manifest = {'title': 'Income'}\n", next.Source)
	assert.Equal(t, "Income histogram", next.Title)
	assert.Equal(t, []string{"income.png"}, next.ExpectedOutputs)
	assert.Equal(t, datatypes.FieldString, next.ManifestSchema["title"])

	assert.Equal(t, "deepseek-chat", seen.Model)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
	require.Len(t, seen.Messages, 2)
	assert.Contains(t, seen.Messages[1].Content, "ZeroDivisionError")
	assert.Contains(t, seen.Messages[1].Content, "x = 1 / 0")
}

func TestOpenAIReviser_AcceptsFixPatchKey(t *testing.T) {
	srv := fakeCompletions(t, `{"status":"fix","fix_patch":"print(df.shape)\nmanifest = {}","notes":""}`, nil, nil)
	next, err := newTestReviser(t, srv.URL).Revise(context.Background(), failedRequest())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, strings.HasPrefix(next.Source, "print(df.shape)"))
}

func TestOpenAIReviser_NoRevision(t *testing.T) {
	for _, content := range []string{
		`{"status":"ok","python":"","notes":"fine"}`,
		`{"status":"fix","fix_patch":"# Code execution failed - needs debugging","notes":""}`,
		`Here you go: {"status":"fix","python":"   ","notes":""}`,
	} {
		srv := fakeCompletions(t, content, nil, nil)
		next, err := newTestReviser(t, srv.URL).Revise(context.Background(), failedRequest())
		require.NoError(t, err, content)
		assert.Nil(t, next, content)
	}
}

func TestOpenAIReviser_InvalidReply(t *testing.T) {
	srv := fakeCompletions(t, "not json at all", nil, nil)
	_, err := newTestReviser(t, srv.URL).Revise(context.Background(), failedRequest())
	assert.ErrorContains(t, err, "decode critic reply")
}

func TestOpenAIReviser_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	_, err := newTestReviser(t, srv.URL).Revise(context.Background(), failedRequest())
	assert.Error(t, err)
}

func TestOpenAIReviser_RateLimited(t *testing.T) {
	var hits int32
	srv := fakeCompletions(t, `{"status":"ok"}`, nil, &hits)
	r := newTestReviser(t, srv.URL)
	r.limiter.SetLimit(0.5)
	r.limiter.SetBurst(1)

	_, err := r.Revise(context.Background(), failedRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.Revise(ctx, failedRequest())
	assert.ErrorContains(t, err, "rate limit")
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestNewOpenAIReviser_KeySources(t *testing.T) {
	cfg := config.Default().Critic
	cfg.APIKeyEnv = "AUTOEDA_MISSING_KEY"
	t.Setenv("AUTOEDA_MISSING_KEY", "")
	_, err := NewOpenAIReviser(cfg, nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)

	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("from-file\n"), 0o600))
	cfg.APIKeyFile = keyFile
	_, err = NewOpenAIReviser(cfg, nil)
	assert.NoError(t, err)
}

func TestBuildPrompt_IncludesEvidenceAndBlockingFlags(t *testing.T) {
	unit := datatypes.CodeUnit{Title: "Skew", Source: "ax.hist(df['income'])\n"}
	res := datatypes.NewSucceededResult("skew", 2, unit, datatypes.Manifest{}, &datatypes.Evidence{
		Fields:  map[string]any{},
		Missing: []datatypes.MissingField{{Key: "x_label", Reason: "absent"}},
	})
	flag := datatypes.LinterFlag{Rule: "HIGH_SKEW_NO_LOG", Level: datatypes.FlagWarning, Message: "skewness 4.78"}
	res.LinterFlags = []datatypes.LinterFlag{flag}

	prompt, masked, err := buildPrompt(RevisionRequest{TaskID: "skew", Attempt: 2, Unit: unit, Result: res, Blocking: []datatypes.LinterFlag{flag}}, nil)
	require.NoError(t, err)
	assert.Zero(t, masked)

	var p promptPayload
	require.NoError(t, json.Unmarshal([]byte(prompt), &p))
	assert.True(t, p.ExecOK)
	assert.Equal(t, []string{"HIGH_SKEW_NO_LOG: skewness 4.78"}, p.MustFix)
	assert.Equal(t, "x_label", p.MissingFields[0].Key)
}

func TestBuildPrompt_RedactsOutput(t *testing.T) {
	redactor, err := redact.New()
	require.NoError(t, err)

	unit := datatypes.CodeUnit{Title: "Contacts", Source: "print(df.head())\n"}
	res := datatypes.NewFailedResult("contacts", 1, unit, &datatypes.ExecError{
		Kind:    datatypes.RuntimeFailure,
		Type:    "KeyError",
		Message: "'ann@example.com'",
	})
	res.Stdout = "   name  email\n0  Ann   ann@example.com\n"

	prompt, masked, err := buildPrompt(RevisionRequest{TaskID: "contacts", Attempt: 1, Unit: unit, Result: res}, redactor)
	require.NoError(t, err)
	assert.Equal(t, 2, masked)
	assert.NotContains(t, prompt, "ann@example.com")
	assert.Contains(t, prompt, "[REDACTED:pii]")
	assert.Equal(t, "'ann@example.com'", res.Error.Message, "result must not be mutated")
}

func TestTail_KeepsWholeRunes(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "€", tail("ab€", 3))
	assert.Equal(t, "", tail("ab€", 2))
	assert.Equal(t, "b€", tail("ab€", 4))
}

func TestScriptedReviser(t *testing.T) {
	s := NewScriptedReviser(map[string][]datatypes.CodeUnit{
		"income": {{Source: "second()\n"}, {Title: "Renamed", Source: "third()\n"}},
	})
	ctx := context.Background()
	req := failedRequest()

	next, err := s.Revise(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "second()\n", next.Source)
	assert.Equal(t, "Income histogram", next.Title)
	assert.Equal(t, []string{"income.png"}, next.ExpectedOutputs)

	next, err = s.Revise(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", next.Title)

	next, err = s.Revise(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, next)

	other := req
	other.TaskID = "unknown"
	next, err = s.Revise(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, next)

	assert.Len(t, s.Calls(), 4)
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, "a = 1\n", stripFences("```python\na = 1\n```"))
	assert.Equal(t, "a = 1", stripFences("a = 1"))
	assert.False(t, hasCode("# nothing\n\n  # here"))
	assert.True(t, hasCode("# c\nx = 1"))
}
