package store

import (
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore persists session metadata in sqlite through GORM.
type GormStore struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the
// schema.
func Open(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &Project{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateSession(rec *SessionRecord) error {
	return s.db.Create(rec).Error
}

func (s *GormStore) UpdateSession(rec *SessionRecord) error {
	return s.db.Save(rec).Error
}

func (s *GormStore) FindSession(id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) FindInactiveByTriple(projectID, sessionType, tabName string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.
		Where("project_id = ? AND type = ? AND tab_name = ? AND active = ?", projectID, sessionType, tabName, false).
		Order("updated_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) DeleteSession(id string) error {
	return s.db.Delete(&SessionRecord{}, "id = ?", id).Error
}

func (s *GormStore) ListSessionsByProject(projectID string) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := s.db.Where("project_id = ?", projectID).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

func (s *GormStore) ProjectExists(projectID string) (bool, error) {
	var count int64
	if err := s.db.Model(&Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
