package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/infographic/internal/model"
)

type GenerationStore struct {
	db DBTX
}

func NewGenerationStore(db DBTX) *GenerationStore {
	return &GenerationStore{db: db}
}

func scanGeneration(scanner interface{ Scan(...any) error }) (*model.Generation, error) {
	var g model.Generation
	var imageURLs string
	err := scanner.Scan(
		&g.ID, &g.UserID, &g.Prompt, &g.Category, &g.NumImages, &imageURLs, &g.ImageSize,
		&g.Style, &g.RenderingSpeed, &g.ProviderRequestID, &g.CreditsUsed, &g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(imageURLs), &g.ImageURLs); err != nil {
		return nil, fmt.Errorf("decode image urls: %w", err)
	}
	return &g, nil
}

const generationCols = `id, user_id, prompt, category, num_images, image_urls, image_size, style, rendering_speed, provider_request_id, credits_used, created_at`

// Create appends a generation row. Rows are never updated or deduplicated.
func (s *GenerationStore) Create(ctx context.Context, g *model.Generation) (*model.Generation, error) {
	urls := g.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	encoded, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("encode image urls: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (user_id, prompt, category, num_images, image_urls, image_size, style, rendering_speed, provider_request_id, credits_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.UserID, g.Prompt, g.Category, g.NumImages, string(encoded), g.ImageSize,
		g.Style, g.RenderingSpeed, g.ProviderRequestID, g.CreditsUsed, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert generation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *GenerationStore) GetByID(ctx context.Context, id int64) (*model.Generation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+generationCols+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get generation: %w", err)
	}
	return g, nil
}

// ListByUser returns up to limit generations for the user, newest first.
func (s *GenerationStore) ListByUser(ctx context.Context, userID int64, limit int) ([]model.Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+generationCols+` FROM generations WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	generations := []model.Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		generations = append(generations, *g)
	}
	return generations, rows.Err()
}

func (s *GenerationStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return n, nil
}
