package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, call_request_id, campaign_id, recipient_id, phone, priority,
	retry_count, max_retries, state, outcome, error_code, current_question_index,
	total_questions, started_at, answered_at, completed_at, duration_ms`

// Save upserts the session and replaces its turns. Saving the same session
// twice leaves one row.
func (r *sessionRepo) Save(ctx context.Context, s survey.CallSession) error {
	req := s.Request
	return r.db.inTx(ctx, func(tx tx) error {
		if err := tx.exec(ctx,
			`INSERT INTO call_sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			   state = excluded.state,
			   outcome = excluded.outcome,
			   error_code = excluded.error_code,
			   current_question_index = excluded.current_question_index,
			   total_questions = excluded.total_questions,
			   started_at = excluded.started_at,
			   answered_at = excluded.answered_at,
			   completed_at = excluded.completed_at,
			   duration_ms = excluded.duration_ms`,
			s.ID, req.ID, req.CampaignID, req.RecipientID, req.Phone, req.Priority,
			req.RetryCount, req.MaxRetries, string(s.State), string(s.Outcome), s.ErrorCode,
			s.CurrentQuestionIndex, s.TotalQuestions,
			nullTime(s.StartedAt), nullTime(s.AnsweredAt), nullTime(s.CompletedAt),
			s.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("upserting call session: %w", err)
		}

		if err := tx.exec(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, s.ID); err != nil {
			return fmt.Errorf("clearing conversation turns: %w", err)
		}
		for _, t := range s.Turns {
			if err := tx.exec(ctx,
				`INSERT INTO conversation_turns (session_id, question_order, question_id, question_text,
				 raw_transcript, answer, answer_value, confidence, low_confidence, error_code,
				 answered_at, response_time_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, t.QuestionOrder, t.QuestionID, t.QuestionText,
				t.RawTranscript, string(t.Answer), t.Answer.Value(), t.Confidence, t.LowConfidence, t.ErrorCode,
				nullTime(t.AnsweredAt), t.ResponseTime.Milliseconds(),
			); err != nil {
				return fmt.Errorf("inserting conversation turn %d: %w", t.QuestionOrder, err)
			}
		}
		return nil
	})
}

// GetByID returns a session with its turns.
func (r *sessionRepo) GetByID(ctx context.Context, id string) (survey.CallSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return survey.CallSession{}, fmt.Errorf("call session %s: %w", id, survey.ErrNotFound)
	}
	if err != nil {
		return survey.CallSession{}, err
	}
	s.Turns, err = r.turns(ctx, id)
	if err != nil {
		return survey.CallSession{}, err
	}
	return s, nil
}

// ListByCampaign returns a campaign's sessions in start order, with turns.
func (r *sessionRepo) ListByCampaign(ctx context.Context, campaignID string) ([]survey.CallSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE campaign_id = ? ORDER BY started_at, id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("querying call sessions: %w", err)
	}

	var out []survey.CallSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating call sessions: %w", err)
	}

	// Turns are loaded after the cursor closes; SQLite runs on one connection.
	for i := range out {
		if out[i].Turns, err = r.turns(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *sessionRepo) turns(ctx context.Context, sessionID string) ([]survey.ConversationTurn, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT question_order, question_id, question_text, raw_transcript, answer, confidence,
		 low_confidence, error_code, answered_at, response_time_ms
		 FROM conversation_turns WHERE session_id = ? ORDER BY question_order`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation turns: %w", err)
	}
	defer rows.Close()

	var out []survey.ConversationTurn
	for rows.Next() {
		var (
			t          survey.ConversationTurn
			answer     string
			answeredAt sql.NullTime
			responseMS int64
		)
		if err := rows.Scan(&t.QuestionOrder, &t.QuestionID, &t.QuestionText, &t.RawTranscript,
			&answer, &t.Confidence, &t.LowConfidence, &t.ErrorCode, &answeredAt, &responseMS); err != nil {
			return nil, fmt.Errorf("scanning conversation turn: %w", err)
		}
		t.Answer = survey.Answer(answer)
		t.AnsweredAt = answeredAt.Time
		t.ResponseTime = time.Duration(responseMS) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSession(s scanner) (survey.CallSession, error) {
	var (
		cs                             survey.CallSession
		state, outcome                 string
		started, answered, completedAt sql.NullTime
		durationMS                     int64
	)
	err := s.Scan(&cs.ID, &cs.Request.ID, &cs.Request.CampaignID, &cs.Request.RecipientID,
		&cs.Request.Phone, &cs.Request.Priority, &cs.Request.RetryCount, &cs.Request.MaxRetries,
		&state, &outcome, &cs.ErrorCode, &cs.CurrentQuestionIndex, &cs.TotalQuestions,
		&started, &answered, &completedAt, &durationMS)
	if errors.Is(err, sql.ErrNoRows) {
		return cs, err
	}
	if err != nil {
		return cs, fmt.Errorf("scanning call session: %w", err)
	}
	cs.State = survey.State(state)
	cs.Outcome = survey.Outcome(outcome)
	cs.StartedAt = started.Time
	cs.AnsweredAt = answered.Time
	cs.CompletedAt = completedAt.Time
	cs.Duration = time.Duration(durationMS) * time.Millisecond
	return cs, nil
}
