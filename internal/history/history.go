// Package history は終了したジョブの記録を SQLite に保存します。
package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Entry は終了したジョブ1件の記録です。
type Entry struct {
	JobID            string    `gorm:"primaryKey;size:64" json:"jobId"`
	Filename         string    `json:"filename"`
	Status           string    `gorm:"index" json:"status"`
	Codec            string    `json:"codec"`
	Preset           string    `json:"preset"`
	CRF              int       `json:"crf"`
	TargetSizeMB     float64   `json:"targetSizeMb"`
	Mode             string    `json:"mode,omitempty"`
	PlannedVideoKbps int       `json:"plannedVideoKbps,omitempty"`
	DurationSeconds  float64   `json:"durationSeconds,omitempty"`
	OriginalSize     int64     `json:"originalSize"`
	CompressedSize   int64     `json:"compressedSize,omitempty"`
	Ratio            float64   `json:"ratio,omitempty"`
	PercentReduction float64   `json:"percentReduction,omitempty"`
	ErrorCode        string    `json:"errorCode,omitempty"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	FinishedAt       time.Time `gorm:"index" json:"finishedAt"`
}

// TableName はテーブル名を返します。
func (Entry) TableName() string {
	return "job_history"
}

// Store は履歴の保存先です。jobs.Sink として使えます。
type Store struct {
	db *gorm.DB
}

// Open は path の SQLite データベースを開き、スキーマを作成します。
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	return New(db)
}

// New は既存の接続から Store を作成します。
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record は終了したジョブを保存します。終了していないジョブは無視します。
func (s *Store) Record(ctx context.Context, job jobs.Job) error {
	if !job.Status.IsTerminal() {
		return nil
	}
	entry := fromJob(job)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
}

// Forget は何もしません。ジョブを一覧から消しても履歴は残します。
func (s *Store) Forget(context.Context, string) error {
	return nil
}

// Recent は新しい順に最大 limit 件の履歴を返します。
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Close は接続を閉じます。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func fromJob(job jobs.Job) Entry {
	e := Entry{
		JobID:            job.ID,
		Filename:         job.Input.Filename,
		Status:           string(job.Status),
		Codec:            string(job.Settings.Codec),
		Preset:           string(job.Settings.Preset),
		CRF:              job.Settings.CRF,
		TargetSizeMB:     job.Settings.TargetSizeMB,
		Mode:             string(job.Mode),
		PlannedVideoKbps: job.PlannedVideoKbps,
		DurationSeconds:  job.Input.DurationSeconds,
		OriginalSize:     job.Input.Size,
		CreatedAt:        job.CreatedAt,
		FinishedAt:       job.UpdatedAt,
	}
	if job.FinishedAt != nil {
		e.FinishedAt = *job.FinishedAt
	}
	if job.Output != nil {
		e.CompressedSize = job.Output.Size
		e.Ratio = job.Output.Stats.Ratio
		e.PercentReduction = job.Output.Stats.PercentReduction
	}
	if job.Error != nil {
		e.ErrorCode = job.Error.Code
		e.ErrorMessage = job.Error.Message
	}
	return e
}
