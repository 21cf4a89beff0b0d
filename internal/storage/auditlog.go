// Package storage - Audit log storage operations.
package storage

import (
	"fmt"
	"time"
)

// AppendAPILog records a served request on the success stream.
func (s *Storage) AppendAPILog(apiID int64, method, data, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO api_logs (api_id, method, data, result, time) VALUES (?, ?, ?, ?, ?)
	`, apiID, method, data, result, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append api log: %w", err)
	}

	return nil
}

// AppendAPIFailedLog records a rejected or failed request.
func (s *Storage) AppendAPIFailedLog(apiID int64, method, data, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO api_failed_logs (api_id, method, data, result, time) VALUES (?, ?, ?, ?, ?)
	`, apiID, method, data, result, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to append api failed log: %w", err)
	}

	return nil
}

// CountAPILogs returns the number of rows on one audit stream, mainly
// for tests and operator queries.
func (s *Storage) CountAPILogs(failed bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := "api_logs"
	if failed {
		table = "api_failed_logs"
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count api logs: %w", err)
	}

	return count, nil
}
