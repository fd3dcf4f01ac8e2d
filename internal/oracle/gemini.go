package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Gemini endpoint defaults.
const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com/v1beta"
	DefaultModel    = "gemini-2.0-flash"
)

// maxReplyBytes caps how much of a reply body is read.
const maxReplyBytes = 4 << 20

// bodySnippet caps how much of a reply body is kept for diagnostics.
const bodySnippet = 512

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeminiConfig configures a Gemini client.
type GeminiConfig struct {
	APIKey   string
	Model    string // DefaultModel when empty
	Endpoint string // DefaultEndpoint when empty

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Gemini calls the Google Generative Language generateContent endpoint.
type Gemini struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewGemini creates a Gemini client. A missing API key is not an error here;
// every Generate call reports it instead.
func NewGemini(cfg GeminiConfig) *Gemini {
	g := &Gemini{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    cfg.Model,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
	if g.model == "" {
		g.model = DefaultModel
	}
	if g.endpoint == "" {
		g.endpoint = DefaultEndpoint
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Model returns the model name requests are sent to.
func (g *Gemini) Model() string { return g.model }

type part struct {
	Text *string `json:"text,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings,omitempty"`
}

// generateReply accepts both envelope shapes the endpoint has used:
// {"candidates":[{"content":{...}}]} and a bare {"content":{...}}.
type generateReply struct {
	Candidates []struct {
		Content *content `json:"content"`
	} `json:"candidates"`
	Content        *content `json:"content"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func buildRequest(prompt string, p Params) generateRequest {
	req := generateRequest{
		Contents: []content{{Parts: []part{{Text: &prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			TopP:            p.TopP,
			TopK:            p.TopK,
		},
	}
	if p.DisableSafety {
		for _, c := range safetyCategories {
			req.SafetySettings = append(req.SafetySettings, safetySetting{Category: c, Threshold: "BLOCK_NONE"})
		}
	}
	return req
}

// Generate sends prompt to the model and returns the first candidate's text.
func (g *Gemini) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	if g.apiKey == "" {
		return "", &Error{Code: ErrCodeMissingCredential, Message: "API key missing"}
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(buildRequest(prompt, p))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.endpoint, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Code: ErrCodeNetwork, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	g.logger.Debug("oracle request", "model", g.model, "prompt_bytes", len(prompt), "temperature", p.Temperature)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &Error{Code: ErrCodeNetwork, Message: "Network error", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", &Error{Code: ErrCodeNetwork, Message: "read reply", StatusCode: resp.StatusCode, Err: err}
	}

	g.logger.Debug("oracle reply",
		"model", g.model,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{
			Code:       ErrCodeNetwork,
			Message:    fmt.Sprintf("Network error: HTTP %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       snippet(body),
		}
	}

	return extractText(body)
}

// extractText pulls the generated text out of a reply body.
func extractText(body []byte) (string, error) {
	var reply generateReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", &Error{Code: ErrCodeUnexpectedShape, Message: "Unexpected API response", Body: snippet(body), Err: err}
	}

	var c *content
	switch {
	case len(reply.Candidates) > 0:
		c = reply.Candidates[0].Content
	case reply.Content != nil:
		c = reply.Content
	}
	if c != nil && len(c.Parts) > 0 && c.Parts[0].Text != nil {
		return *c.Parts[0].Text, nil
	}

	msg := "Unexpected API response"
	if reply.PromptFeedback != nil && reply.PromptFeedback.BlockReason != "" {
		msg = "Unexpected API response: blocked (" + reply.PromptFeedback.BlockReason + ")"
	}
	return "", &Error{Code: ErrCodeUnexpectedShape, Message: msg, Body: snippet(body)}
}

func snippet(body []byte) string {
	if len(body) > bodySnippet {
		return string(body[:bodySnippet]) + "..."
	}
	return string(body)
}
