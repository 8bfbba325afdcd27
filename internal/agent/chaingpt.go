package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned when the code service has no credentials
var ErrMissingAPIKey = errors.New("missing ChainGPT API key")

// CodeService generates and audits Solidity source
type CodeService interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Audit(ctx context.Context, code string) (string, error)
}

const (
	generatorModel = "smart_contract_generator"
	auditorModel   = "smart_contract_auditor"
)

// ChainGPTClient calls the ChainGPT chat endpoint
type ChainGPTClient struct {
	URL    string
	APIKey string
	HTTP   *http.Client

	// Retries applies to transport errors and 5xx responses
	Retries    int
	RetryDelay time.Duration
}

// NewChainGPTClient creates a client for url
func NewChainGPTClient(url, apiKey string, timeout time.Duration) *ChainGPTClient {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChainGPTClient{
		URL:        url,
		APIKey:     apiKey,
		HTTP:       &http.Client{Timeout: timeout},
		Retries:    1,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Generate asks for a single self-contained contract named GenContract
func (c *ChainGPTClient) Generate(ctx context.Context, prompt string) (string, error) {
	question := "RESPOND ONLY WITH PURE SOLIDITY CODE. NO MARKDOWN. NO EXPLANATION.\n" +
		"Create a contract named '" + ContractName + "'.\n" +
		"IMPORTANT: Hardcode all values (name, symbol, supply) directly in the code or constructor.\n" +
		"DO NOT require constructor arguments.\n" +
		"Ensure Solidity ^0.8.20.\n" +
		"User Prompt: " + prompt
	out, err := c.ask(ctx, generatorModel, question)
	if err != nil {
		return "", err
	}
	return StripCodeFences(out), nil
}

// Audit returns a security review of code
func (c *ChainGPTClient) Audit(ctx context.Context, code string) (string, error) {
	return c.ask(ctx, auditorModel, "Audit this Solidity code for security flaws and vulnerabilities:\n\n"+code)
}

type chatRequest struct {
	Model       string `json:"model"`
	Question    string `json:"question"`
	ChatHistory string `json:"chatHistory"`
}

type chatResponse struct {
	Data struct {
		Bot string `json:"bot"`
	} `json:"data"`
}

func (c *ChainGPTClient) ask(ctx context.Context, model, question string) (string, error) {
	if c.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	body, err := json.Marshal(chatRequest{Model: model, Question: question, ChatHistory: "off"})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}
		status, raw, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("chaingpt: status %d", status)
			continue
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("chaingpt: status %d", status)
		}
		return extractAnswer(raw), nil
	}
	return "", lastErr
}

func (c *ChainGPTClient) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// extractAnswer reads data.bot from a JSON reply, falling back to the raw
// text for streamed replies.
func extractAnswer(raw []byte) string {
	var r chatResponse
	if err := json.Unmarshal(raw, &r); err == nil && r.Data.Bot != "" {
		return r.Data.Bot
	}
	return string(raw)
}

var fencedSolidity = regexp.MustCompile("(?s)```solidity(.*?)```")

// StripCodeFences removes markdown code fences around generated source
func StripCodeFences(s string) string {
	if m := fencedSolidity.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	s = strings.ReplaceAll(s, "```solidity", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
