// Package narrative produces an optional plain-language summary of a
// consistency report. It never changes the report; callers drop the
// summary on any error.
package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"

	"github.com/TOOL2U/BookMate-sub002/internal/reconciliation"
)

var (
	ErrDisabled    = errors.New("narrative: enrichment disabled")
	ErrEmptyOutput = errors.New("narrative: model returned no text")
)

// Narrator summarizes a finished report.
type Narrator interface {
	Summarize(ctx context.Context, report reconciliation.Report) (string, error)
}

// Noop is used when no model is configured.
type Noop struct{}

func (Noop) Summarize(context.Context, reconciliation.Report) (string, error) {
	return "", ErrDisabled
}

// generator is the slice of the genai client this package uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini summarizes reports with a Gemini model.
type Gemini struct {
	models  generator
	model   string
	timeout time.Duration
}

const maxSummaryLen = 2000

const systemPrompt = `You are a bookkeeping assistant. You receive a JSON balance consistency
report for a small business. Each check compares an account's actual balance
with opening + inflow - outflow. Write at most four short sentences for the
owner: say whether the books reconcile, name accounts with WARN or FAIL
status and their drift, and suggest where to look (missing transactions,
duplicated entries, wrong opening balance). Do not invent numbers.`

// NewGemini creates a Gemini narrator using the Gemini API backend.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("narrative: create gemini client: %w", err)
	}
	return newGemini(client.Models, model, timeout), nil
}

func newGemini(models generator, model string, timeout time.Duration) *Gemini {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Gemini{models: models, model: model, timeout: timeout}
}

type promptPayload struct {
	Checks         []reconciliation.Check `json:"checks"`
	Totals         reconciliation.Check   `json:"totals"`
	WarnThreshold  float64                `json:"warnThreshold"`
	FailThreshold  float64                `json:"failThreshold"`
	SeverityPolicy string                 `json:"severityPolicy"`
}

// Summarize asks the model for a short summary of report.
func (g *Gemini) Summarize(ctx context.Context, report reconciliation.Report) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(promptPayload{
		Checks:         report.Checks,
		Totals:         report.Totals,
		WarnThreshold:  report.Thresholds.Warn,
		FailThreshold:  report.Thresholds.Fail,
		SeverityPolicy: string(report.Thresholds.Policy),
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(string(payload)), &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       genai.Ptr[float32](0.2),
	})
	narrativeLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		narrativeCalls.WithLabelValues("error").Inc()
		return "", fmt.Errorf("narrative: generate: %w", err)
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Text())
	}
	if text == "" {
		narrativeCalls.WithLabelValues("empty").Inc()
		return "", ErrEmptyOutput
	}
	text = truncate(text, maxSummaryLen)
	narrativeCalls.WithLabelValues("ok").Inc()
	return text, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var _ Narrator = (*Gemini)(nil)
var _ Narrator = Noop{}
