package survey

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for campaign, template and recipient names.
const maxNameLen = 200

// maxQuestionLen is the maximum length of a spoken prompt.
const maxQuestionLen = 1000

// phoneRe accepts an optional leading + followed by 6-15 digits.
var phoneRe = regexp.MustCompile(`^\+?\d{6,15}$`)

// NormalizePhone strips spaces, dashes and parentheses from a dial string.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// ValidatePhone checks that phone is a dialable number after normalization.
func ValidatePhone(phone string) error {
	p := NormalizePhone(phone)
	if p == "" {
		return &ValidationError{Field: "phone", Reason: "is required"}
	}
	if !phoneRe.MatchString(p) {
		return &ValidationError{Field: "phone", Reason: "must be 6-15 digits with optional leading +"}
	}
	return nil
}

// Validate checks a CallRequest before it is enqueued.
func (r CallRequest) Validate() error {
	if r.CampaignID == "" {
		return &ValidationError{Field: "campaign_id", Reason: "is required"}
	}
	if r.RecipientID == "" {
		return &ValidationError{Field: "recipient_id", Reason: "is required"}
	}
	if r.TemplateID == "" {
		return &ValidationError{Field: "template_id", Reason: "is required"}
	}
	if err := ValidatePhone(r.Phone); err != nil {
		return err
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: "must be between 1 and 10"}
	}
	if r.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if r.RetryCount < 0 || r.RetryCount > r.MaxRetries {
		return &ValidationError{Field: "retry_count", Reason: "must be between 0 and max_retries"}
	}
	return nil
}

// Validate checks a template's question script.
func (t Template) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "template.id", Reason: "is required"}
	}
	if utf8.RuneCountInString(t.Name) > maxNameLen {
		return &ValidationError{Field: "template.name", Reason: "exceeds maximum length"}
	}
	if len(t.Questions) == 0 {
		return &ValidationError{Field: "template.questions", Reason: "must contain at least one question"}
	}
	seen := make(map[string]bool, len(t.Questions))
	for _, q := range t.Questions {
		if q.ID == "" {
			return &ValidationError{Field: "question.id", Reason: "is required"}
		}
		if seen[q.ID] {
			return &ValidationError{Field: "question.id", Reason: "duplicate id " + q.ID}
		}
		seen[q.ID] = true
		if strings.TrimSpace(q.Text) == "" {
			return &ValidationError{Field: "question.text", Reason: "is required"}
		}
		if utf8.RuneCountInString(q.Text) > maxQuestionLen {
			return &ValidationError{Field: "question.text", Reason: "exceeds maximum length"}
		}
		if q.PauseSeconds < 0 {
			return &ValidationError{Field: "question.pause_seconds", Reason: "must not be negative"}
		}
	}
	return nil
}

// Validate checks a campaign definition. Recipient phone errors are
// reported by StartCampaign per recipient rather than here.
func (c Campaign) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if utf8.RuneCountInString(c.Name) > maxNameLen {
		return &ValidationError{Field: "name", Reason: "exceeds maximum length"}
	}
	if c.TemplateID == "" {
		return &ValidationError{Field: "template_id", Reason: "is required"}
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Reason: "must be between 1 and 10"}
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return &ValidationError{Field: "max_retries", Reason: "must be between 0 and 10"}
	}
	if len(c.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "must contain at least one recipient"}
	}
	return nil
}
