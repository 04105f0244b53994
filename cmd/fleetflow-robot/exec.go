package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

// Executor runs one kind of job payload to completion or error.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// payloadEnvelope picks the executor: {"type": "shell", ...} or {"type": "http", ...}.
type payloadEnvelope struct {
	Type string `json:"type"`
}

type shellExec struct{}

type shellPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (shellExec) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p shellPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	return json.Marshal(map[string]string{"output": string(out)})
}

type httpExec struct{}

type httpPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (httpExec) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p httpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid http payload: %w", err)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if p.Method == "" {
		p.Method = "GET"
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}

	client := &http.Client{Timeout: time.Duration(p.Timeout) * time.Second}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}
	return json.Marshal(map[string]any{"status_code": resp.StatusCode, "body": respBody})
}

func executorFor(payload json.RawMessage) (Executor, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid payload envelope: %w", err)
	}
	switch env.Type {
	case "shell":
		return shellExec{}, nil
	case "http":
		return httpExec{}, nil
	}
	return nil, fmt.Errorf("no executor for payload type %q", env.Type)
}
