package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// User is one entry in the admins, teachers or students list of the users
// document. The list a user sits in determines the role; the password field
// holds either a bcrypt hash or a legacy plaintext value from seed data.
type User struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	ClassName string   `json:"className,omitempty"`
	Subjects  []string `json:"subjects,omitempty"`
	Classes   []string `json:"classes,omitempty"`
}

// PendingRequest is a self-service registration awaiting admin review.
type PendingRequest struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Password    string   `json:"password"`
	Role        string   `json:"role"`
	ClassName   string   `json:"className,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
	Classes     []string `json:"classes,omitempty"`
	Status      string   `json:"status"`
	RequestDate string   `json:"requestDate"`
}

// AttendanceRecord is one (student, date, subject) observation. Append-only;
// duplicates for the same key are allowed and all count in aggregation.
type AttendanceRecord struct {
	ID           string `json:"id,omitempty"`
	TeacherEmail string `json:"teacherEmail"`
	Subject      string `json:"subject"`
	ClassName    string `json:"className"`
	StudentEmail string `json:"studentEmail"`
	Date         string `json:"date"`
	Present      bool   `json:"present"`
}

// UsersDoc is the full users.json document.
type UsersDoc struct {
	Admins   []User           `json:"admins"`
	Teachers []User           `json:"teachers"`
	Students []User           `json:"students"`
	Requests []PendingRequest `json:"requests"`
}

// AttendanceDoc is the full attendance.json document.
type AttendanceDoc struct {
	Records []AttendanceRecord `json:"records"`
}

const (
	usersFile      = "users.json"
	attendanceFile = "attendance.json"
)

// Store persists the two JSON documents under a data directory. Mutations
// rewrite a document wholesale under a per-document mutex, so concurrent
// writers never lose an update. Reads take no lock; a stale read is fine.
type Store struct {
	usersPath      string
	attendancePath string

	usersMu      sync.Mutex
	attendanceMu sync.Mutex
}

// New creates the data directory and both documents if missing.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		usersPath:      filepath.Join(dataDir, usersFile),
		attendancePath: filepath.Join(dataDir, attendanceFile),
	}
	if err := ensureFile(s.usersPath, UsersDoc{}); err != nil {
		return nil, err
	}
	if err := ensureFile(s.attendancePath, AttendanceDoc{}); err != nil {
		return nil, err
	}
	return s, nil
}

// Users returns the current users document. A missing or unparsable file
// yields the empty document rather than an error, matching how the system
// bootstraps from nothing.
func (s *Store) Users() UsersDoc {
	var doc UsersDoc
	readDoc(s.usersPath, &doc)
	return doc
}

// Attendance returns the current attendance document.
func (s *Store) Attendance() AttendanceDoc {
	var doc AttendanceDoc
	readDoc(s.attendancePath, &doc)
	return doc
}

// UpdateUsers applies fn to the users document under the write lock and
// persists the result. If fn returns an error nothing is written.
func (s *Store) UpdateUsers(fn func(*UsersDoc) error) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	var doc UsersDoc
	readDoc(s.usersPath, &doc)
	if err := fn(&doc); err != nil {
		return err
	}
	return writeDoc(s.usersPath, doc)
}

// UpdateAttendance applies fn to the attendance document under the write
// lock and persists the result.
func (s *Store) UpdateAttendance(fn func(*AttendanceDoc) error) error {
	s.attendanceMu.Lock()
	defer s.attendanceMu.Unlock()

	var doc AttendanceDoc
	readDoc(s.attendancePath, &doc)
	if err := fn(&doc); err != nil {
		return err
	}
	return writeDoc(s.attendancePath, doc)
}

func ensureFile(path string, init any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return writeDoc(path, init)
}

func readDoc(path string, out any) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("file", path).Msg("read document failed, using empty document")
		}
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("parse document failed, using empty document")
	}
}

// writeDoc rewrites a document via temp file + rename so a crash mid-write
// never leaves a truncated document behind.
func writeDoc(path string, doc any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
