package database

import (
	"context"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// TemplateRepository manages question templates.
type TemplateRepository interface {
	Create(ctx context.Context, t survey.Template) error
	GetByID(ctx context.Context, id string) (survey.Template, error)
	List(ctx context.Context) ([]survey.Template, error)
}

// CampaignRepository manages campaigns and their recipients.
type CampaignRepository interface {
	Create(ctx context.Context, c survey.Campaign) error
	GetByID(ctx context.Context, id string) (survey.Campaign, error)
	List(ctx context.Context) ([]survey.Campaign, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// SessionRepository stores call sessions with their conversation turns.
type SessionRepository interface {
	Save(ctx context.Context, s survey.CallSession) error
	GetByID(ctx context.Context, id string) (survey.CallSession, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]survey.CallSession, error)
}

// MetricsRepository stores campaign metric snapshots.
type MetricsRepository interface {
	Save(ctx context.Context, m survey.CampaignMetrics) error
	List(ctx context.Context) ([]survey.CampaignMetrics, error)
}

// Store groups the repositories behind the method set the campaign
// service and dispatcher consume.
type Store struct {
	Templates TemplateRepository
	Campaigns CampaignRepository
	Sessions  SessionRepository
	Metrics   MetricsRepository
}

// NewStore creates a Store backed by db.
func NewStore(db *DB) *Store {
	return &Store{
		Templates: NewTemplateRepository(db),
		Campaigns: NewCampaignRepository(db),
		Sessions:  NewSessionRepository(db),
		Metrics:   NewMetricsRepository(db),
	}
}

func (s *Store) CreateTemplate(ctx context.Context, t survey.Template) error {
	return s.Templates.Create(ctx, t)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (survey.Template, error) {
	return s.Templates.GetByID(ctx, id)
}

func (s *Store) CreateCampaign(ctx context.Context, c survey.Campaign) error {
	return s.Campaigns.Create(ctx, c)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (survey.Campaign, error) {
	return s.Campaigns.GetByID(ctx, id)
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id, status string) error {
	return s.Campaigns.UpdateStatus(ctx, id, status)
}

func (s *Store) SaveSession(ctx context.Context, cs survey.CallSession) error {
	return s.Sessions.Save(ctx, cs)
}

func (s *Store) SaveCampaignMetrics(ctx context.Context, m survey.CampaignMetrics) error {
	return s.Metrics.Save(ctx, m)
}
