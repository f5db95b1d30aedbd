// Package ticket is the client for the remediation ticketing service,
// which exposes a ServiceNow-style incident table API.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Incident state codes (ServiceNow standard).
const (
	StateNew        = 1
	StateInProgress = 2
	StateResolved   = 6
	StateClosed     = 7
)

// priorityFor maps control severity to an incident priority code.
// Unknown severities map to medium.
func priorityFor(severity string) int {
	switch severity {
	case "critical":
		return 1
	case "high":
		return 2
	case "medium":
		return 3
	case "low":
		return 4
	default:
		return 3
	}
}

// Ticket is an incident record as returned by the ticketing service.
type Ticket struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	State            int    `json:"state"`
	Priority         int    `json:"priority"`
	Category         string `json:"category"`
	CallerID         string `json:"caller_id"`
	ControlID        string `json:"control_id"`
	EvidenceID       string `json:"evidence_id"`
	OpenedAt         string `json:"opened_at"`
}

// IsOpen reports whether the incident is in a workable state.
func (t Ticket) IsOpen() bool {
	return t.State == StateNew || t.State == StateInProgress
}

// Client talks to one ticketing service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New builds a client for the given service root.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        slog.With("component", "ticket"),
	}
}

// Ping checks the service health endpoint. Used by the startup wait loop.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("ticket: health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ticket: health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ticket: health status %d", resp.StatusCode)
	}
	return nil
}

// CreateTicket opens a remediation incident for a failing control.
func (c *Client) CreateTicket(ctx context.Context, controlID, shortDescription, description, severity, evidenceID string) (Ticket, error) {
	payload := map[string]any{
		"short_description": shortDescription,
		"description":       description,
		"priority":          priorityFor(severity),
		"category":          "compliance",
		"caller_id":         "meridian-agent",
		"control_id":        controlID,
		"evidence_id":       evidenceID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: encode create: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/now/table/incident", bytes.NewReader(body))
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("ticket: create request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ticket{}, fmt.Errorf("ticket: create status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope struct {
		Result Ticket `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Ticket{}, fmt.Errorf("ticket: decode create: %w", err)
	}

	c.log.Info("created ticket",
		"number", envelope.Result.Number,
		"control_id", controlID,
		"priority", envelope.Result.Priority)
	return envelope.Result, nil
}

// GetTicket fetches one incident by sys_id. Returns nil without error when
// the record does not exist.
func (c *Client) GetTicket(ctx context.Context, sysID string) (*Ticket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/now/table/incident/"+url.PathEscape(sysID), nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: get request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticket: get request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticket: get status %d", resp.StatusCode)
	}

	var envelope struct {
		Result Ticket `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("ticket: decode get: %w", err)
	}
	return &envelope.Result, nil
}

// IsTicketOpen reports whether the incident exists and is new or
// in-progress. Lookup failures count as not open.
func (c *Client) IsTicketOpen(ctx context.Context, sysID string) bool {
	t, err := c.GetTicket(ctx, sysID)
	if err != nil {
		c.log.Warn("ticket lookup failed", "sys_id", sysID, "err", err)
		return false
	}
	return t != nil && t.IsOpen()
}

// ListTickets queries incidents with a sysparm_query conjunction, newest
// first.
func (c *Client) ListTickets(ctx context.Context, query string, limit int) ([]Ticket, error) {
	params := url.Values{}
	if query != "" {
		params.Set("sysparm_query", query)
	}
	if limit > 0 {
		params.Set("sysparm_limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/now/table/incident?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: list request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ticket: list request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ticket: list status %d", resp.StatusCode)
	}

	var envelope struct {
		Result []Ticket `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("ticket: decode list: %w", err)
	}
	return envelope.Result, nil
}
