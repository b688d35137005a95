package assessor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skylane-systems/aerogate/pkg/contracts"
)

// DefaultTimeout is the per-call budget for the risk assessor.
const DefaultTimeout = 30 * time.Second

// LLM speaks an OpenAI-compatible chat-completions endpoint and asks for a
// structured JSON risk record. Sampling is pinned (temperature 0, fixed
// seed) so a given provider snapshot behaves as deterministically as it can.
type LLM struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewLLM(endpoint, apiKey, model string) *LLM {
	return &LLM{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Seed        int64         `json:"seed"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are a risk assessor for an air-freight gateway.
Given a belief state, reply with ONLY a JSON object:
{"risk_level": "LOW|MEDIUM|HIGH|CRITICAL",
 "recommended_posture": "ACCEPT|RESTRICT|HOLD|ESCALATE",
 "confidence_breakdown": {"<factor>": <0..1>, ...},
 "explanation": "<one sentence>"}`

func (l *LLM) Assess(ctx context.Context, belief contracts.BeliefState) (contracts.RiskAssessment, error) {
	beliefJSON, err := json.Marshal(belief)
	if err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("belief marshal: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(beliefJSON)},
		},
		Temperature: 0,
		Seed:        7,
	})
	if err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("request marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("assessor call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return contracts.RiskAssessment{}, fmt.Errorf("assessor status %d: %s", resp.StatusCode, payload)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("assessor decode: %w", err)
	}
	if len(chat.Choices) == 0 {
		return contracts.RiskAssessment{}, fmt.Errorf("assessor returned no choices")
	}

	return ParseAssessment(chat.Choices[0].Message.Content)
}

// ParseAssessment extracts the structured record from model output, coping
// with code fences and stray prose around the JSON object.
func ParseAssessment(content string) (contracts.RiskAssessment, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return contracts.RiskAssessment{}, fmt.Errorf("no JSON object in assessor output")
	}

	var a contracts.RiskAssessment
	if err := json.Unmarshal([]byte(content[start:end+1]), &a); err != nil {
		return contracts.RiskAssessment{}, fmt.Errorf("assessor output parse: %w", err)
	}

	switch a.RiskLevel {
	case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh, contracts.RiskCritical:
	default:
		return contracts.RiskAssessment{}, fmt.Errorf("invalid risk_level %q", a.RiskLevel)
	}
	switch a.RecommendedPosture {
	case contracts.PostureAccept, contracts.PostureRestrict, contracts.PostureHold, contracts.PostureEscalate:
	default:
		return contracts.RiskAssessment{}, fmt.Errorf("invalid recommended_posture %q", a.RecommendedPosture)
	}
	return a, nil
}
