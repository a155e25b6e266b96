// Package tools implements the specialist agents' callable tools.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/helpline/internal/config"
)

// SearchResult is one hit from the internal document corpus.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// DocSearch queries the internal document search service (HR policies,
// IT runbooks).
type DocSearch struct {
	baseURL string
	apiKey  string
	corpus  string
	client  *http.Client
}

func NewDocSearch(cfg config.DocSearchConfig) *DocSearch {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &DocSearch{
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		corpus:  cfg.Corpus,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DocSearch) Available() bool { return d.baseURL != "" }

func (d *DocSearch) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if d.baseURL == "" {
		return nil, fmt.Errorf("doc search not configured")
	}

	payload, err := json.Marshal(map[string]string{
		"query":  query,
		"corpus": d.corpus,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("doc search returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseSearchJSON(body)
}

func parseSearchJSON(body []byte) ([]SearchResult, error) {
	var parsed struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse doc search response: %w", err)
	}
	return parsed.Results, nil
}
