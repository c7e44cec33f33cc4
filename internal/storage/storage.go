// Package storage keeps the spike digest's notification history in memory and
// persists it to a JSON file.
//
// Writes are atomic: the state is written to a temporary file and renamed over
// the target, so a crash mid-write never leaves a truncated file behind.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/crimerisk/internal/models"
)

// Record is the last notification sent for a neighborhood.
type Record struct {
	ServedWeek time.Time `json:"served_week"`
	Risk       float64   `json:"risk"`
	SentAt     time.Time `json:"sent_at"`
}

// Storage provides thread-safe notification state with file-based persistence
type Storage struct {
	notified map[string]Record
	mu       sync.RWMutex

	// Configuration
	maxRecords      int
	filePath        string
	filePermissions os.FileMode
	dirPermissions  os.FileMode
}

// PersistenceFile represents the file structure for JSON persistence
type PersistenceFile struct {
	Version  string            `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Notified map[string]Record `json:"notified"`
}

// New creates a new Storage instance.
// If filePath is empty, uses OS-appropriate tmp directory
func New(maxRecords int, filePath string, filePermissions, dirPermissions os.FileMode) *Storage {
	if filePath == "" {
		filePath = filepath.Join(os.TempDir(), "crimerisk", "digest-state.json")
	}
	if filePermissions == 0 {
		filePermissions = 0644
	}
	if dirPermissions == 0 {
		dirPermissions = 0755
	}

	return &Storage{
		notified:        make(map[string]Record),
		maxRecords:      maxRecords,
		filePath:        filePath,
		filePermissions: filePermissions,
		dirPermissions:  dirPermissions,
	}
}

// Notified returns the last notification sent for a neighborhood.
func (s *Storage) Notified(neighborhoodID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.notified[neighborhoodID]
	return rec, ok
}

// Len returns the number of neighborhoods with a notification record.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notified)
}

// RecordNotified records the given results as notified for a served week.
func (s *Storage) RecordNotified(servedWeek time.Time, results []models.SpikeResult, sentAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		s.notified[r.NeighborhoodID] = Record{
			ServedWeek: models.WeekStart(servedWeek),
			Risk:       r.Risk,
			SentAt:     sentAt.UTC(),
		}
	}
}

// Prune drops records for served weeks before cutoff. Returns how many were removed.
func (s *Storage) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.notified {
		if rec.ServedWeek.Before(cutoff) {
			delete(s.notified, id)
			removed++
		}
	}
	return removed
}

// Rotate removes the oldest records when exceeding the max limit
func (s *Storage) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxRecords <= 0 || len(s.notified) <= s.maxRecords {
		return
	}

	ids := make([]string, 0, len(s.notified))
	for id := range s.notified {
		ids = append(ids, id)
	}
	// Oldest first, ties by id
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.notified[ids[i]], s.notified[ids[j]]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		return ids[i] < ids[j]
	})

	toRemove := len(s.notified) - s.maxRecords
	for _, id := range ids[:toRemove] {
		delete(s.notified, id)
	}
}

// Save persists storage state to file
func (s *Storage) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, s.dirPermissions); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data := PersistenceFile{
		Version:  "1.0",
		SavedAt:  time.Now().UTC(),
		Notified: s.notified,
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Write to temporary file first (atomic write)
	tempPath := s.filePath + ".tmp"
	if err := os.WriteFile(tempPath, jsonData, s.filePermissions); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tempPath, s.filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

// Load restores storage state from file. A missing file is not an error.
func (s *Storage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clean up any stale temp files from previous crashes
	tempPath := s.filePath + ".tmp"
	if _, err := os.Stat(tempPath); err == nil {
		_ = os.Remove(tempPath)
	}

	jsonData, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var data PersistenceFile
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	s.notified = data.Notified
	if s.notified == nil {
		s.notified = make(map[string]Record)
	}
	return nil
}
