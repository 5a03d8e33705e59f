// Package datastore persists recognition records and training tasks in a
// local SQLite database.
package datastore

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Training task lifecycle states.
const (
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// RecognitionRecord is one served prediction.
type RecognitionRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Digit        int       `json:"digit"`
	Confidence   float64   `json:"confidence"`
	ModelID      int       `json:"model_id"`
	InputType    string    `json:"input_type"`
	ProcessingMs int64     `json:"processing_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// TrainingTask is the persisted view of one training run.
type TrainingTask struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	RunID        string     `gorm:"uniqueIndex" json:"run_id"`
	TaskName     string     `json:"task_name"`
	Epochs       int        `json:"epochs"`
	BatchSize    int        `json:"batch_size"`
	LearningRate float64    `json:"learning_rate"`
	Status       string     `json:"status"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	ModelID      int        `json:"model_id,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskCompletion carries the outcome applied to a finished task row.
type TaskCompletion struct {
	Status       string
	ArtifactPath string
	ModelID      int
	Error        string
}

// Interface is the persistence surface the rest of the service depends on.
type Interface interface {
	Open() error
	Close() error
	SaveRecognition(rec *RecognitionRecord) error
	RecentRecognitions(limit int) ([]RecognitionRecord, error)
	CreateTrainingTask(task *TrainingTask) error
	CompleteTrainingTask(runID string, outcome TaskCompletion) error
	Ping() error
}

// SQLiteStore implements Interface on a SQLite file.
type SQLiteStore struct {
	path string
	db   *gorm.DB
}

// New creates a store for the database file at path. Open must be called
// before use.
func New(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

// Open connects and migrates the schema.
func (s *SQLiteStore) Open() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("datastore: opening %s: %w", s.path, err)
	}
	if err := db.AutoMigrate(&RecognitionRecord{}, &TrainingTask{}); err != nil {
		return fmt.Errorf("datastore: migrating schema: %w", err)
	}
	s.db = db
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection is alive.
func (s *SQLiteStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("datastore: not open")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// SaveRecognition appends one recognition record.
func (s *SQLiteStore) SaveRecognition(rec *RecognitionRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("datastore: saving recognition: %w", err)
	}
	return nil
}

// RecentRecognitions returns up to limit records, newest first.
func (s *SQLiteStore) RecentRecognitions(limit int) ([]RecognitionRecord, error) {
	var records []RecognitionRecord
	err := s.db.Order("id desc").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("datastore: listing recognitions: %w", err)
	}
	return records, nil
}

// CreateTrainingTask inserts the row for a newly launched run.
func (s *SQLiteStore) CreateTrainingTask(task *TrainingTask) error {
	if task.Status == "" {
		task.Status = TaskStatusRunning
	}
	if err := s.db.Create(task).Error; err != nil {
		return fmt.Errorf("datastore: creating training task: %w", err)
	}
	return nil
}

// CompleteTrainingTask records the outcome of the run identified by runID.
func (s *SQLiteStore) CompleteTrainingTask(runID string, outcome TaskCompletion) error {
	now := time.Now()
	updates := map[string]any{
		"status":        outcome.Status,
		"artifact_path": outcome.ArtifactPath,
		"model_id":      outcome.ModelID,
		"error":         outcome.Error,
		"completed_at":  &now,
	}
	res := s.db.Model(&TrainingTask{}).Where("run_id = ?", runID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("datastore: completing training task %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("datastore: training task %s not found", runID)
	}
	return nil
}
