package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/callsurvey/internal/campaign"
	"github.com/flowpbx/callsurvey/internal/survey"
)

type questionRequest struct {
	ID                string   `json:"id"`
	Text              string   `json:"text"`
	ExpectedResponses []string `json:"expected_responses"`
	PauseSeconds      int      `json:"pause_seconds"`
}

type templateRequest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Language  string            `json:"language"`
	Greeting  string            `json:"greeting"`
	Closing   string            `json:"closing"`
	Questions []questionRequest `json:"questions"`
}

type questionResponse struct {
	ID                string   `json:"id"`
	Order             int      `json:"order"`
	Text              string   `json:"text"`
	ExpectedResponses []string `json:"expected_responses"`
	PauseSeconds      int      `json:"pause_seconds"`
}

type templateResponse struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Language  string             `json:"language"`
	Greeting  string             `json:"greeting"`
	Closing   string             `json:"closing"`
	Questions []questionResponse `json:"questions"`
}

func toTemplate(req templateRequest) survey.Template {
	t := survey.Template{
		ID:       req.ID,
		Name:     req.Name,
		Language: req.Language,
		Greeting: req.Greeting,
		Closing:  req.Closing,
	}
	for _, q := range req.Questions {
		t.Questions = append(t.Questions, survey.Question{
			ID:                q.ID,
			Text:              q.Text,
			ExpectedResponses: q.ExpectedResponses,
			PauseSeconds:      q.PauseSeconds,
		})
	}
	return t
}

func toTemplateResponse(t survey.Template) templateResponse {
	resp := templateResponse{
		ID:        t.ID,
		Name:      t.Name,
		Language:  t.Language,
		Greeting:  t.Greeting,
		Closing:   t.Closing,
		Questions: make([]questionResponse, len(t.Questions)),
	}
	for i, q := range t.Questions {
		resp.Questions[i] = questionResponse{
			ID:                q.ID,
			Order:             q.Order,
			Text:              q.Text,
			ExpectedResponses: q.ExpectedResponses,
			PauseSeconds:      q.PauseSeconds,
		}
	}
	return resp
}

type recipientRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type campaignRequest struct {
	Name       string             `json:"name"`
	TemplateID string             `json:"template_id"`
	Priority   int                `json:"priority"`
	MaxRetries *int               `json:"max_retries"`
	Recipients []recipientRequest `json:"recipients"`
}

type campaignResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	TemplateID string    `json:"template_id"`
	Priority   int       `json:"priority"`
	MaxRetries int       `json:"max_retries"`
	Status     string    `json:"status"`
	Recipients int       `json:"recipients"`
	CreatedAt  time.Time `json:"created_at"`
}

func toCampaignResponse(c survey.Campaign) campaignResponse {
	return campaignResponse{
		ID:         c.ID,
		Name:       c.Name,
		TemplateID: c.TemplateID,
		Priority:   c.Priority,
		MaxRetries: c.MaxRetries,
		Status:     c.Status,
		Recipients: len(c.Recipients),
		CreatedAt:  c.CreatedAt,
	}
}

// statusResponse is CampaignMetrics with the average duration in seconds.
type statusResponse struct {
	CampaignID         string  `json:"campaign_id"`
	Queued             int     `json:"queued"`
	InProgress         int     `json:"in_progress"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Cancelled          int     `json:"cancelled"`
	Retried            int     `json:"retried"`
	AverageDurationSec float64 `json:"average_duration_sec"`
	SuccessRate        float64 `json:"success_rate"`
}

func toStatusResponse(m survey.CampaignMetrics) statusResponse {
	return statusResponse{
		CampaignID:         m.CampaignID,
		Queued:             m.Queued,
		InProgress:         m.InProgress,
		Completed:          m.Completed,
		Failed:             m.Failed,
		Cancelled:          m.Cancelled,
		Retried:            m.Retried,
		AverageDurationSec: m.AverageDuration.Seconds(),
		SuccessRate:        m.SuccessRate,
	}
}

// handleCreateTemplate stores a question template.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	t, err := s.deps.Campaigns.CreateTemplate(r.Context(), toTemplate(req))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTemplateResponse(t))
}

// handleCreateCampaign stores a campaign in draft status.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	create := campaign.CreateRequest{
		Name:       req.Name,
		TemplateID: req.TemplateID,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}
	for _, rc := range req.Recipients {
		create.Recipients = append(create.Recipients, survey.Recipient{
			ID:    rc.ID,
			Name:  rc.Name,
			Phone: rc.Phone,
		})
	}

	c, err := s.deps.Campaigns.CreateCampaign(r.Context(), create)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignResponse(c))
}

// handleStartCampaign queues the campaign's recipients and reports how
// many made it into the queue.
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Campaigns.StartCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStopCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Campaigns.StopCampaign(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": survey.CampaignStopped})
}

func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Campaigns.CampaignStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(m))
}
