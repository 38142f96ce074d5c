// Package results posts completed surveys to the results service,
// authenticated with a short-lived HS256 service token.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// tokenTTL is how long a service token stays valid.
const tokenTTL = 5 * time.Minute

// submitPath is appended to the configured base URL.
const submitPath = "/api/responses/submit"

// ServiceRole is the role claim carried by service tokens.
const ServiceRole = "voice_service"

// Claims are the JWT claims sent with each submission.
type Claims struct {
	CampaignID string `json:"campaign_id"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// Answer is one question's result in a submission.
type Answer struct {
	QuestionID          string  `json:"question_id"`
	QuestionOrder       int     `json:"question_order"`
	ResponseText        string  `json:"response_text"`
	ResponseValue       int     `json:"response_value"`
	Answer              string  `json:"answer"`
	Confidence          float64 `json:"confidence"`
	LowConfidence       bool    `json:"low_confidence"`
	ResponseTimeSeconds float64 `json:"response_time_seconds"`
}

// Metadata describes the call a submission came from.
type Metadata struct {
	SessionID           string `json:"session_id"`
	CallRequestID       string `json:"call_request_id"`
	CampaignID          string `json:"campaign_id"`
	RecipientID         string `json:"recipient_id"`
	CallDurationSeconds int    `json:"call_duration_seconds"`
	RetryCount          int    `json:"retry_count"`
}

// Payload is the submission body.
type Payload struct {
	TemplateID    string   `json:"template_id"`
	QuestionCount int      `json:"question_count"`
	Answers       []Answer `json:"answers"`
	Metadata      Metadata `json:"metadata"`
}

// Submitter posts completed sessions.
type Submitter struct {
	httpClient *http.Client
	baseURL    string
	secret     []byte
	logger     *slog.Logger
	now        func() time.Time
}

// NewSubmitter creates a Submitter for the service at baseURL.
func NewSubmitter(baseURL, secret string, logger *slog.Logger) *Submitter {
	return &Submitter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		secret:     []byte(secret),
		logger:     logger.With("subsystem", "results"),
		now:        time.Now,
	}
}

// Configured reports whether a results URL was set.
func (s *Submitter) Configured() bool {
	return s.baseURL != ""
}

// Token signs a service token for campaignID.
func (s *Submitter) Token(campaignID string) (string, error) {
	now := s.now()
	claims := Claims{
		CampaignID: campaignID,
		Role:       ServiceRole,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}
	return signed, nil
}

// BuildPayload converts a session into the submission body with answers
// ordered by question order.
func BuildPayload(cs survey.CallSession) Payload {
	answers := make([]Answer, 0, len(cs.Turns))
	for _, t := range cs.Turns {
		answers = append(answers, Answer{
			QuestionID:          t.QuestionID,
			QuestionOrder:       t.QuestionOrder,
			ResponseText:        t.RawTranscript,
			ResponseValue:       t.Answer.Value(),
			Answer:              string(t.Answer),
			Confidence:          t.Confidence,
			LowConfidence:       t.LowConfidence,
			ResponseTimeSeconds: t.ResponseTime.Seconds(),
		})
	}
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].QuestionOrder < answers[j].QuestionOrder
	})

	req := cs.Request
	return Payload{
		TemplateID:    req.TemplateID,
		QuestionCount: cs.TotalQuestions,
		Answers:       answers,
		Metadata: Metadata{
			SessionID:           cs.ID,
			CallRequestID:       req.ID,
			CampaignID:          req.CampaignID,
			RecipientID:         req.RecipientID,
			CallDurationSeconds: int(cs.Duration.Seconds()),
			RetryCount:          req.RetryCount,
		},
	}
}

// Submit posts the session's answers. Only completed sessions are sent.
func (s *Submitter) Submit(ctx context.Context, cs survey.CallSession) error {
	if cs.Outcome != survey.OutcomeCompleted {
		return errors.New("results: session not completed")
	}

	body, err := json.Marshal(BuildPayload(cs))
	if err != nil {
		return fmt.Errorf("results: marshalling payload: %w", err)
	}

	token, err := s.Token(cs.Request.CampaignID)
	if err != nil {
		return fmt.Errorf("results: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("results: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("results: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("results: service returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	s.logger.Info("survey results submitted",
		"session_id", cs.ID,
		"campaign_id", cs.Request.CampaignID,
		"answers", len(cs.Turns),
	)
	return nil
}
