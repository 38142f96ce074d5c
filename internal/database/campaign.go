package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callsurvey/internal/survey"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

// Create inserts a campaign and its recipients in one transaction.
func (r *campaignRepo) Create(ctx context.Context, c survey.Campaign) error {
	return r.db.inTx(ctx, func(tx tx) error {
		if err := tx.exec(ctx,
			`INSERT INTO campaigns (id, name, template_id, priority, max_retries, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, c.TemplateID, c.Priority, c.MaxRetries, c.Status, c.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("inserting campaign: %w", err)
		}
		for i, rc := range c.Recipients {
			if err := tx.exec(ctx,
				`INSERT INTO recipients (campaign_id, id, position, name, phone) VALUES (?, ?, ?, ?, ?)`,
				c.ID, rc.ID, i, rc.Name, rc.Phone,
			); err != nil {
				return fmt.Errorf("inserting recipient %s: %w", rc.ID, err)
			}
		}
		return nil
	})
}

// GetByID returns a campaign with its recipients in insertion order.
func (r *campaignRepo) GetByID(ctx context.Context, id string) (survey.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT id, name, template_id, priority, max_retries, status, created_at
		 FROM campaigns WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return survey.Campaign{}, fmt.Errorf("campaign %s: %w", id, survey.ErrNotFound)
	}
	if err != nil {
		return survey.Campaign{}, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, phone FROM recipients WHERE campaign_id = ? ORDER BY position`, id)
	if err != nil {
		return survey.Campaign{}, fmt.Errorf("querying recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc survey.Recipient
		if err := rows.Scan(&rc.ID, &rc.Name, &rc.Phone); err != nil {
			return survey.Campaign{}, fmt.Errorf("scanning recipient row: %w", err)
		}
		c.Recipients = append(c.Recipients, rc)
	}
	return c, rows.Err()
}

// List returns all campaigns, newest first, without recipients.
func (r *campaignRepo) List(ctx context.Context) ([]survey.Campaign, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, template_id, priority, max_retries, status, created_at
		 FROM campaigns ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	var out []survey.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateStatus sets a campaign's status.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("campaign %s: %w", id, survey.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s scanner) (survey.Campaign, error) {
	var c survey.Campaign
	err := s.Scan(&c.ID, &c.Name, &c.TemplateID, &c.Priority, &c.MaxRetries, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	if err != nil {
		return c, fmt.Errorf("scanning campaign: %w", err)
	}
	return c, nil
}
