// Package campaign is the control surface for survey campaigns: creating
// them, starting them onto the call queue, stopping them and reporting
// their progress.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callsurvey/internal/queue"
	"github.com/flowpbx/callsurvey/internal/survey"
)

// Store is the persistence the service needs.
type Store interface {
	CreateTemplate(ctx context.Context, t survey.Template) error
	GetTemplate(ctx context.Context, id string) (survey.Template, error)
	CreateCampaign(ctx context.Context, c survey.Campaign) error
	GetCampaign(ctx context.Context, id string) (survey.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id, status string) error
}

// Counter tracks queued and removed requests per campaign.
type Counter interface {
	Queued(campaignID string, n int)
	Removed(campaignID string, n int)
	Snapshot(campaignID string) survey.CampaignMetrics
}

// Notifier is woken after requests are enqueued.
type Notifier interface {
	Notify()
}

// Config holds campaign defaults.
type Config struct {
	// Stagger spaces consecutive recipients' first attempts.
	Stagger           time.Duration
	DefaultPriority   int
	DefaultMaxRetries int
	DefaultLanguage   string
	DefaultGreeting   string
	DefaultClosing    string
}

// StartResult reports how many recipients were queued.
type StartResult struct {
	Queued int `json:"queued_count"`
	Failed int `json:"failed_count"`
}

// CreateRequest describes a new campaign. Nil MaxRetries and zero Priority
// take the configured defaults.
type CreateRequest struct {
	Name       string             `json:"name"`
	TemplateID string             `json:"template_id"`
	Priority   int                `json:"priority"`
	MaxRetries *int               `json:"max_retries"`
	Recipients []survey.Recipient `json:"recipients"`
}

// Service starts and stops campaigns. It also owns each campaign's stop
// signal, which running conversations observe.
type Service struct {
	store    Store
	queue    queue.Queue
	counter  Counter
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// startMu serializes StartCampaign so a campaign is queued once.
	startMu sync.Mutex

	mu    sync.Mutex
	stops map[string]chan struct{}
}

// NewService creates a Service. notifier may be nil.
func NewService(store Store, q queue.Queue, counter Counter, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = 5
	}
	return &Service{
		store:    store,
		queue:    q,
		counter:  counter,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("subsystem", "campaign"),
		now:      time.Now,
		stops:    make(map[string]chan struct{}),
	}
}

// CreateTemplate validates and stores a question template. A missing ID
// is generated; missing greeting, closing and language take the defaults.
func (s *Service) CreateTemplate(ctx context.Context, t survey.Template) (survey.Template, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Language == "" {
		t.Language = s.cfg.DefaultLanguage
	}
	if t.Greeting == "" {
		t.Greeting = s.cfg.DefaultGreeting
	}
	if t.Closing == "" {
		t.Closing = s.cfg.DefaultClosing
	}
	for i := range t.Questions {
		if t.Questions[i].ID == "" {
			t.Questions[i].ID = uuid.NewString()
		}
		t.Questions[i].Order = i
	}
	if err := t.Validate(); err != nil {
		return survey.Template{}, err
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return survey.Template{}, fmt.Errorf("creating template: %w", err)
	}
	return t, nil
}

// CreateCampaign validates and stores a campaign in draft status.
func (s *Service) CreateCampaign(ctx context.Context, req CreateRequest) (survey.Campaign, error) {
	c := survey.Campaign{
		ID:         uuid.NewString(),
		Name:       req.Name,
		TemplateID: req.TemplateID,
		Priority:   req.Priority,
		MaxRetries: s.cfg.DefaultMaxRetries,
		Status:     survey.CampaignDraft,
		CreatedAt:  s.now().UTC(),
	}
	if c.Priority == 0 {
		c.Priority = s.cfg.DefaultPriority
	}
	if req.MaxRetries != nil {
		c.MaxRetries = *req.MaxRetries
	}
	for _, r := range req.Recipients {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		r.Phone = survey.NormalizePhone(r.Phone)
		c.Recipients = append(c.Recipients, r)
	}
	if err := c.Validate(); err != nil {
		return survey.Campaign{}, err
	}

	if _, err := s.store.GetTemplate(ctx, c.TemplateID); err != nil {
		if errors.Is(err, survey.ErrNotFound) {
			return survey.Campaign{}, &survey.ValidationError{Field: "template_id", Reason: "unknown template"}
		}
		return survey.Campaign{}, fmt.Errorf("looking up template: %w", err)
	}

	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return survey.Campaign{}, fmt.Errorf("creating campaign: %w", err)
	}
	s.logger.Info("campaign created", "campaign_id", c.ID, "recipients", len(c.Recipients))
	return c, nil
}

// StartCampaign enqueues one call request per recipient, the i-th scheduled
// i stagger intervals after now. Recipients that fail validation or do
// not fit in the queue are counted as failed; the rest are queued.
func (s *Service) StartCampaign(ctx context.Context, id string) (StartResult, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return StartResult{}, fmt.Errorf("loading campaign %s: %w", id, err)
	}

	tpl, err := s.store.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return StartResult{}, fmt.Errorf("loading template %s: %w", c.TemplateID, err)
	}

	if c.Status == survey.CampaignRunning {
		return StartResult{}, survey.ErrCampaignRunning
	}

	s.mu.Lock()
	if ch, ok := s.stops[id]; !ok || closed(ch) {
		s.stops[id] = make(chan struct{})
	}
	s.mu.Unlock()

	log := s.logger.With("campaign_id", id)
	start := s.now()
	var res StartResult

	for i, r := range c.Recipients {
		req := survey.CallRequest{
			ID:            uuid.NewString(),
			CampaignID:    c.ID,
			RecipientID:   r.ID,
			RecipientName: r.Name,
			Phone:         survey.NormalizePhone(r.Phone),
			TemplateID:    c.TemplateID,
			Language:      tpl.Language,
			Priority:      c.Priority,
			ScheduledAt:   start.Add(time.Duration(i) * s.cfg.Stagger),
			MaxRetries:    c.MaxRetries,
		}
		if err := req.Validate(); err != nil {
			log.Warn("recipient rejected", "recipient_id", r.ID, "error", err)
			res.Failed++
			continue
		}
		if err := s.queue.Enqueue(ctx, req); err != nil {
			if errors.Is(err, survey.ErrQueueFull) {
				log.Warn("queue full, recipient not queued", "recipient_id", r.ID)
			} else {
				log.Error("enqueue failed", "recipient_id", r.ID, "error", err)
			}
			res.Failed++
			continue
		}
		// Counted per request: the dispatcher may start it before the loop ends.
		s.counter.Queued(id, 1)
		res.Queued++
	}

	if err := s.store.UpdateCampaignStatus(ctx, id, survey.CampaignRunning); err != nil {
		log.Error("updating campaign status", "error", err)
	}
	if s.notifier != nil && res.Queued > 0 {
		s.notifier.Notify()
	}

	log.Info("campaign started", "queued", res.Queued, "failed", res.Failed)
	return res, nil
}

// StopCampaign signals the campaign's active calls to cancel at their next
// transition and drops its queued requests. Stopping twice is harmless.
func (s *Service) StopCampaign(ctx context.Context, id string) error {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return fmt.Errorf("loading campaign %s: %w", id, err)
	}

	s.mu.Lock()
	ch, ok := s.stops[id]
	if !ok {
		ch = make(chan struct{})
		s.stops[id] = ch
	}
	if !closed(ch) {
		close(ch)
	}
	s.mu.Unlock()

	n, err := s.queue.RemoveCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("removing queued calls for campaign %s: %w", id, err)
	}
	s.counter.Removed(id, n)

	if err := s.store.UpdateCampaignStatus(ctx, id, survey.CampaignStopped); err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	s.logger.Info("campaign stopped", "campaign_id", id, "removed", n)
	return nil
}

// CampaignStatus returns the campaign's current counters.
func (s *Service) CampaignStatus(ctx context.Context, id string) (survey.CampaignMetrics, error) {
	if _, err := s.store.GetCampaign(ctx, id); err != nil {
		return survey.CampaignMetrics{}, fmt.Errorf("loading campaign %s: %w", id, err)
	}
	return s.counter.Snapshot(id), nil
}

// StopChannel returns the channel closed when campaignID is stopped.
func (s *Service) StopChannel(campaignID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.stops[campaignID]
	if !ok {
		ch = make(chan struct{})
		s.stops[campaignID] = ch
	}
	return ch
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
