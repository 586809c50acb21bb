package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transcription は 1 回の文字起こし結果
type Transcription struct {
	ID              string    `json:"id"`
	AudioPath       string    `json:"audio_path"`
	Text            string    `json:"text"`
	RawText         string    `json:"raw_text"`
	Language        string    `json:"language"`
	ModelType       string    `json:"model_type"`
	DurationSeconds float64   `json:"duration"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// TranscriptionRepository は文字起こし結果のデータアクセス層
type TranscriptionRepository struct {
	db *DB
}

// NewTranscriptionRepository は新しいTranscriptionRepositoryを作成
func NewTranscriptionRepository(db *DB) *TranscriptionRepository {
	return &TranscriptionRepository{db: db}
}

// Record は文字起こし結果を追記する。ID が空なら採番する
func (r *TranscriptionRepository) Record(ctx context.Context, t Transcription) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transcriptions
			(id, audio_path, text, raw_text, language, model_type, duration_seconds, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AudioPath, t.Text, t.RawText, t.Language, t.ModelType,
		t.DurationSeconds, t.ElapsedMS, t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transcription: %w", err)
	}
	return nil
}

// GetByID はIDで文字起こし結果を取得。見つからなければ nil
func (r *TranscriptionRepository) GetByID(ctx context.Context, id string) (*Transcription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, audio_path, text, raw_text, language, model_type, duration_seconds, elapsed_ms, created_at
		FROM transcriptions WHERE id = ?`, id)

	t, err := scanTranscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListRecent は新しい順に最大 limit 件を返す
func (r *TranscriptionRepository) ListRecent(ctx context.Context, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, audio_path, text, raw_text, language, model_type, duration_seconds, elapsed_ms, created_at
		FROM transcriptions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcriptions: %w", err)
	}
	defer rows.Close()

	var out []Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Totals は件数と合計音声長（秒）を返す
func (r *TranscriptionRepository) Totals(ctx context.Context) (int64, float64, error) {
	var count int64
	var total float64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0) FROM transcriptions`,
	).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count transcriptions: %w", err)
	}
	return count, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscription(s scanner) (*Transcription, error) {
	var t Transcription
	err := s.Scan(&t.ID, &t.AudioPath, &t.Text, &t.RawText, &t.Language, &t.ModelType,
		&t.DurationSeconds, &t.ElapsedMS, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
