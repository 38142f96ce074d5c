package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// templateRepo implements TemplateRepository.
type templateRepo struct {
	db *DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *DB) TemplateRepository {
	return &templateRepo{db: db}
}

// Create inserts a template and its questions in one transaction.
func (r *templateRepo) Create(ctx context.Context, t survey.Template) error {
	return r.db.inTx(ctx, func(tx tx) error {
		if err := tx.exec(ctx,
			`INSERT INTO templates (id, name, language, greeting, closing) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Language, t.Greeting, t.Closing,
		); err != nil {
			return fmt.Errorf("inserting template: %w", err)
		}
		for i, q := range t.Questions {
			expected, err := json.Marshal(q.ExpectedResponses)
			if err != nil {
				return fmt.Errorf("encoding expected responses: %w", err)
			}
			if err := tx.exec(ctx,
				`INSERT INTO questions (template_id, id, position, text, expected_responses, pause_seconds)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				t.ID, q.ID, i, q.Text, string(expected), q.PauseSeconds,
			); err != nil {
				return fmt.Errorf("inserting question %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

// GetByID returns a template with its questions in order.
func (r *templateRepo) GetByID(ctx context.Context, id string) (survey.Template, error) {
	var t survey.Template
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, language, greeting, closing FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Language, &t.Greeting, &t.Closing)
	if errors.Is(err, sql.ErrNoRows) {
		return survey.Template{}, fmt.Errorf("template %s: %w", id, survey.ErrNotFound)
	}
	if err != nil {
		return survey.Template{}, fmt.Errorf("querying template: %w", err)
	}

	t.Questions, err = r.questions(ctx, id)
	if err != nil {
		return survey.Template{}, err
	}
	return t, nil
}

// List returns all templates ordered by name, without questions.
func (r *templateRepo) List(ctx context.Context) ([]survey.Template, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, language, greeting, closing FROM templates ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var out []survey.Template
	for rows.Next() {
		var t survey.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Language, &t.Greeting, &t.Closing); err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *templateRepo) questions(ctx context.Context, templateID string) ([]survey.Question, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, position, text, expected_responses, pause_seconds
		 FROM questions WHERE template_id = ? ORDER BY position`, templateID)
	if err != nil {
		return nil, fmt.Errorf("querying questions: %w", err)
	}
	defer rows.Close()

	var out []survey.Question
	for rows.Next() {
		var (
			q        survey.Question
			expected string
		)
		if err := rows.Scan(&q.ID, &q.Order, &q.Text, &expected, &q.PauseSeconds); err != nil {
			return nil, fmt.Errorf("scanning question row: %w", err)
		}
		if err := json.Unmarshal([]byte(expected), &q.ExpectedResponses); err != nil {
			return nil, fmt.Errorf("decoding expected responses for question %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
