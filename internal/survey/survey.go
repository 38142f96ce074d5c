// Package survey holds the domain types shared by the queue, dispatcher,
// conversation machine and repository.
package survey

import (
	"time"
)

// Priority bounds for a CallRequest.
const (
	MinPriority = 1
	MaxPriority = 10
)

// CallRequest is one queued attempt to reach a recipient. ID stays the same
// across retries so every CallSession for the recipient can be linked back.
type CallRequest struct {
	ID            string
	CampaignID    string
	RecipientID   string
	RecipientName string
	Phone         string
	TemplateID    string
	Language      string
	Priority      int
	ScheduledAt   time.Time
	RetryCount    int
	MaxRetries    int

	// Seq is assigned by the queue on enqueue and breaks ordering ties FIFO.
	Seq uint64
}

// Due reports whether the request may be dialed at now.
func (r CallRequest) Due(now time.Time) bool {
	return !r.ScheduledAt.After(now)
}

// Question is one scripted survey question.
type Question struct {
	ID                string
	Order             int
	Text              string
	ExpectedResponses []string
	PauseSeconds      int
}

// Template is an ordered question script with its greeting and closing.
type Template struct {
	ID        string
	Name      string
	Language  string
	Greeting  string
	Closing   string
	Questions []Question
}

// Recipient is a person a campaign calls.
type Recipient struct {
	ID    string
	Name  string
	Phone string
}

// Campaign status values.
const (
	CampaignDraft   = "draft"
	CampaignRunning = "running"
	CampaignStopped = "stopped"
)

// Campaign binds recipients to a template.
type Campaign struct {
	ID         string
	Name       string
	TemplateID string
	Priority   int
	MaxRetries int
	Status     string
	Recipients []Recipient
	CreatedAt  time.Time
}

// ConversationTurn records one question and the classified answer.
type ConversationTurn struct {
	QuestionID      string
	QuestionOrder   int
	QuestionText    string
	ExpectedAnswers []string
	PauseSeconds    int
	RawTranscript   string
	Answer          Answer
	Confidence      float64
	LowConfidence   bool
	ErrorCode       string
	AnsweredAt      time.Time
	ResponseTime    time.Duration
}

// CallSession is the live record of one dial attempt.
type CallSession struct {
	ID                   string
	Request              CallRequest
	State                State
	CurrentQuestionIndex int
	TotalQuestions       int
	StartedAt            time.Time
	AnsweredAt           time.Time
	CompletedAt          time.Time
	Duration             time.Duration
	Outcome              Outcome
	ErrorCode            string
	Turns                []ConversationTurn
}

// Clone returns a copy whose Turns slice does not alias s.
func (s CallSession) Clone() CallSession {
	c := s
	if s.Turns != nil {
		c.Turns = make([]ConversationTurn, len(s.Turns))
		copy(c.Turns, s.Turns)
	}
	return c
}

// CampaignMetrics aggregates terminal outcomes for a campaign.
type CampaignMetrics struct {
	CampaignID      string        `json:"campaign_id"`
	Queued          int           `json:"queued"`
	InProgress      int           `json:"in_progress"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	Retried         int           `json:"retried"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
}
