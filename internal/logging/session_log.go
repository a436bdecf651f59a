package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionLog is a log file for a single command invocation
type SessionLog struct {
	path      string
	file      *os.File
	mutex     sync.Mutex
	startTime time.Time
}

// OpenSessionLog creates dir/<command>_<timestamp>.log and writes a header
func OpenSessionLog(dir, command string, now time.Time) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s.log", command, now.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	s := &SessionLog{path: path, file: f, startTime: now}
	logger := zerolog.New(f)
	logger.Info().Str("command", command).Time("time", now).Msg("Session started")
	return s, nil
}

// Path returns the file path
func (s *SessionLog) Path() string {
	return s.path
}

// Write appends p and syncs so a crash keeps everything logged so far
func (s *SessionLog) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return 0, os.ErrClosed
	}
	n, err := s.file.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.file.Sync()
}

// Close writes a footer with the elapsed time and closes the file
func (s *SessionLog) Close() error {
	if s == nil {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil
	}

	elapsed := time.Since(s.startTime).Round(time.Millisecond)
	logger := zerolog.New(s.file)
	logger.Info().Str("elapsed", elapsed.String()).Msg("Session finished")
	err := s.file.Close()
	s.file = nil
	return err
}
