package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const geminiDefaultBase = "https://generativelanguage.googleapis.com/v1beta"

// Content is one conversation turn. Parts stay raw so opaque fields the
// model returns (thought signatures in particular) survive the round trip
// through the session file.
type Content struct {
	Role  string            `json:"role"`
	Parts []json.RawMessage `json:"parts"`
}

// Part is the typed view of a raw part, decoded only for dispatch.
type Part struct {
	Text         string                  `json:"text,omitempty"`
	InlineData   *InlineData             `json:"inlineData,omitempty"`
	FunctionCall *FunctionCall           `json:"functionCall,omitempty"`
	FunctionResp *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

// InlineData carries base64 media attached to a turn.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// FunctionDecl declares one callable tool to the model.
type FunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiSystemInstruction `json:"systemInstruction,omitempty"`
	Contents          []Content                `json:"contents"`
	Tools             []geminiTool             `json:"tools,omitempty"`
}

type geminiSystemInstruction struct {
	Parts []Part `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}      `json:"google_search,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

// Candidate is the model's reply for one turn: the raw content for
// history, plus the decoded text and function calls.
type Candidate struct {
	Content       Content
	Text          string
	FunctionCalls []FunctionCall
	FinishReason  string
}

// GeminiClient talks to the Gemini REST API with a static API key.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiClient creates a client for the given model.
func NewGeminiClient(apiKey, model string) *GeminiClient {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    geminiDefaultBase,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Generate runs one model turn over the conversation with the declared
// function tools.
func (c *GeminiClient) Generate(ctx context.Context, systemPrompt string, contents []Content, decls []FunctionDecl) (*Candidate, error) {
	req := geminiRequest{Contents: contents}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiSystemInstruction{Parts: []Part{{Text: systemPrompt}}}
	}
	if len(decls) > 0 {
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return c.call(ctx, req)
}

// Search runs a single grounded query using the built-in search tool. The
// API does not allow mixing it with function declarations, so searches go
// out as a standalone request.
func (c *GeminiClient) Search(ctx context.Context, query string) (string, error) {
	part, err := json.Marshal(Part{Text: query})
	if err != nil {
		return "", err
	}
	req := geminiRequest{
		Contents: []Content{{Role: "user", Parts: []json.RawMessage{part}}},
		Tools:    []geminiTool{{GoogleSearch: &struct{}{}}},
	}
	cand, err := c.call(ctx, req)
	if err != nil {
		return "", err
	}
	return cand.Text, nil
}

func (c *GeminiClient) call(ctx context.Context, req geminiRequest) (*Candidate, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	q := httpReq.URL.Query()
	q.Set("key", c.apiKey)
	httpReq.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return parseCandidate(respBody)
}

func parseCandidate(body []byte) (*Candidate, error) {
	var gemResp geminiResponse
	if err := json.Unmarshal(body, &gemResp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	if len(gemResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	raw := gemResp.Candidates[0]
	cand := &Candidate{
		Content:      raw.Content,
		FinishReason: raw.FinishReason,
	}
	if cand.Content.Role == "" {
		cand.Content.Role = "model"
	}

	for _, rawPart := range raw.Content.Parts {
		var part Part
		if err := json.Unmarshal(rawPart, &part); err != nil {
			continue
		}
		if part.Text != "" {
			cand.Text += part.Text
		}
		if part.FunctionCall != nil {
			cand.FunctionCalls = append(cand.FunctionCalls, *part.FunctionCall)
		}
	}
	return cand, nil
}

// functionResponsePart encodes a tool result as a raw part ready for the
// history.
func functionResponsePart(name string, response map[string]any) (json.RawMessage, error) {
	part, err := json.Marshal(Part{
		FunctionResp: &geminiFunctionResponse{Name: name, Response: response},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal function response for %s: %w", name, err)
	}
	return part, nil
}

// textPart encodes a plain text part.
func textPart(text string) (json.RawMessage, error) {
	part, err := json.Marshal(Part{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal text part: %w", err)
	}
	return part, nil
}
