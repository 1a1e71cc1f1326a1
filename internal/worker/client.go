// Package worker integrates the external cron scheduler. Savings plans are
// registered as scheduler rules whose webhook fires back into the engine's
// trigger endpoint at the scheduled time.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Config holds scheduler client configuration.
type Config struct {
	BaseURL  string
	APIKey   string
	Timezone string
	Timeout  time.Duration
}

// WebhookConfig describes the callback the scheduler fires on each tick.
type WebhookConfig struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Operation is one registered scheduler rule.
type Operation struct {
	JobID    string `json:"job_id"`
	RuleID   string `json:"rule_id"`
	UserID   string `json:"user_id"`
	Schedule struct {
		Kind     string `json:"kind"`
		Expr     string `json:"expr"`
		Timezone string `json:"timezone"`
	} `json:"schedule"`
}

// Client talks to the scheduler's job API.
type Client struct {
	baseURL    string
	apiKey     string
	timezone   string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a scheduler client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scheduler base URL required")
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("worker")
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		timezone:   cfg.Timezone,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}, nil
}

type registerRequest struct {
	RuleID   string `json:"rule_id"`
	UserID   string `json:"user_id"`
	Schedule struct {
		Kind     string `json:"kind"`
		Expr     string `json:"expr"`
		Timezone string `json:"timezone"`
	} `json:"schedule"`
	Webhook struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    any               `json:"body,omitempty"`
		Timeout int64             `json:"timeout,omitempty"`
	} `json:"webhook"`
}

// RegisterOperation registers a cron rule and returns the scheduler's job
// id.
func (c *Client) RegisterOperation(ctx context.Context, cronExpression, userID string, webhook WebhookConfig) (string, error) {
	req := registerRequest{RuleID: webhook.ID, UserID: userID}
	req.Schedule.Kind = "cron"
	req.Schedule.Expr = cronExpression
	req.Schedule.Timezone = c.timezone
	req.Webhook.Method = webhook.Method
	req.Webhook.URL = webhook.URL
	req.Webhook.Headers = webhook.Headers
	req.Webhook.Body = webhook.Body
	if webhook.Timeout > 0 {
		req.Webhook.Timeout = int64(webhook.Timeout / time.Millisecond)
	}

	var result struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/schedulerx/jobs", req, &result); err != nil {
		return "", fmt.Errorf("register rule %s: %w", webhook.ID, err)
	}

	c.log.WithField("rule_id", webhook.ID).
		WithField("job_id", result.JobID).
		WithField("cron", cronExpression).
		Info("scheduler rule registered")
	return result.JobID, nil
}

// DeregisterOperation removes a rule from the scheduler.
func (c *Client) DeregisterOperation(ctx context.Context, ruleID string) error {
	if err := c.do(ctx, http.MethodDelete, "/schedulerx/jobs/"+ruleID, nil, nil); err != nil {
		return fmt.Errorf("deregister rule %s: %w", ruleID, err)
	}
	c.log.WithField("rule_id", ruleID).Info("scheduler rule deregistered")
	return nil
}

// ListOperations returns the registered rules.
func (c *Client) ListOperations(ctx context.Context) ([]Operation, error) {
	var result struct {
		Jobs []Operation `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/schedulerx/jobs", nil, &result); err != nil {
		return nil, err
	}
	return result.Jobs, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("scheduler responded %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
