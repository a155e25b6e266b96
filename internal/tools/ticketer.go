package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/helpline/internal/config"
)

// TicketRequest is the payload for creating an incident ticket.
type TicketRequest struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	UserID      string `json:"user_id"`
}

// Ticket is a created or fetched incident ticket.
type Ticket struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Summary  string `json:"summary"`
	Severity string `json:"severity"`
}

// Ticketer files incident tickets with the ticketing service.
type Ticketer struct {
	baseURL string
	client  *http.Client
}

func NewTicketer(cfg config.TicketerConfig) *Ticketer {
	return &Ticketer{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Ticketer) Available() bool { return t.baseURL != "" }

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

func (t *Ticketer) Create(ctx context.Context, req TicketRequest) (*Ticket, error) {
	if t.baseURL == "" {
		return nil, fmt.Errorf("ticketing not configured")
	}
	if req.Summary == "" {
		return nil, fmt.Errorf("ticket requires a summary")
	}
	if req.Severity == "" {
		req.Severity = "medium"
	}
	if !severities[req.Severity] {
		return nil, fmt.Errorf("unknown severity %q", req.Severity)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/tickets", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ticket service returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var ticket Ticket
	if err := json.Unmarshal(body, &ticket); err != nil {
		return nil, fmt.Errorf("parse ticket response: %w", err)
	}
	if ticket.ID == "" {
		return nil, fmt.Errorf("ticket service returned no id")
	}
	return &ticket, nil
}

// Get fetches one ticket by id.
func (t *Ticketer) Get(ctx context.Context, id string) (*Ticket, error) {
	if t.baseURL == "" {
		return nil, fmt.Errorf("ticketing not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/v1/tickets/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("ticket %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ticket service returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var ticket Ticket
	if err := json.Unmarshal(body, &ticket); err != nil {
		return nil, fmt.Errorf("parse ticket response: %w", err)
	}
	return &ticket, nil
}
