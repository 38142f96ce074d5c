package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// The file shapes double as request bodies; JSON is valid YAML, so one
// decoder reads both.

type questionFile struct {
	ID                string   `yaml:"id" json:"id,omitempty"`
	Text              string   `yaml:"text" json:"text"`
	ExpectedResponses []string `yaml:"expected_responses" json:"expected_responses,omitempty"`
	PauseSeconds      int      `yaml:"pause_seconds" json:"pause_seconds,omitempty"`
}

type templateFile struct {
	ID        string         `yaml:"id" json:"id,omitempty"`
	Name      string         `yaml:"name" json:"name"`
	Language  string         `yaml:"language" json:"language,omitempty"`
	Greeting  string         `yaml:"greeting" json:"greeting,omitempty"`
	Closing   string         `yaml:"closing" json:"closing,omitempty"`
	Questions []questionFile `yaml:"questions" json:"questions"`
}

type recipientFile struct {
	ID    string `yaml:"id" json:"id,omitempty"`
	Name  string `yaml:"name" json:"name,omitempty"`
	Phone string `yaml:"phone" json:"phone"`
}

type campaignFile struct {
	Name       string          `json:"name"`
	TemplateID string          `json:"template_id"`
	Priority   int             `json:"priority,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	Recipients []recipientFile `json:"recipients"`
}

func decodeFile(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func loadTemplate(path string) (templateFile, error) {
	var t templateFile
	if err := decodeFile(path, &t); err != nil {
		return templateFile{}, err
	}
	if len(t.Questions) == 0 {
		return templateFile{}, fmt.Errorf("%s: template has no questions", path)
	}
	return t, nil
}

// loadRecipients accepts either a bare list or a document with a
// recipients key.
func loadRecipients(path string) ([]recipientFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []recipientFile
	if err := yaml.Unmarshal(raw, &list); err != nil {
		var doc struct {
			Recipients []recipientFile `yaml:"recipients"`
		}
		if derr := yaml.Unmarshal(raw, &doc); derr != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		list = doc.Recipients
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%s: no recipients", path)
	}
	return list, nil
}
