package attendance

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"blockattend/internal/store"
)

// DefaultLowAttendanceThreshold is the percentage below which a student is
// flagged by the low-attendance query.
const DefaultLowAttendanceThreshold = 75.0

const dateLayout = "2006-01-02"

var (
	// ErrStudentEmailRequired is returned by Mark without a student email.
	ErrStudentEmailRequired = errors.New("studentEmail and present required")
	// ErrStudentNotFound is returned by History for an unknown student.
	ErrStudentNotFound = errors.New("student not found")
)

// MarkInput is one attendance observation submitted by a teacher.
type MarkInput struct {
	TeacherEmail string
	Subject      string
	ClassName    string
	StudentEmail string
	Date         string
	Present      bool
}

// HistoryEntry is the per-student view of a record. Synthesized fallback
// entries carry only date and present.
type HistoryEntry struct {
	Subject      string `json:"subject,omitempty"`
	ClassName    string `json:"className,omitempty"`
	TeacherEmail string `json:"teacherEmail,omitempty"`
	Date         string `json:"date"`
	Present      bool   `json:"present"`
}

// ClassSummary is one row of the per-class aggregate.
type ClassSummary struct {
	ClassName         string `json:"className"`
	TotalStudents     int    `json:"totalStudents"`
	AttendancePercent string `json:"attendancePercent"`
}

// LowAttendanceStudent is one flagged student in the low-attendance query.
type LowAttendanceStudent struct {
	Name                 string  `json:"name"`
	Email                string  `json:"email"`
	AttendancePercentage float64 `json:"attendancePercentage"`
	PresentDays          int     `json:"presentDays"`
	TotalDays            int     `json:"totalDays"`
	ClassName            string  `json:"className"`
}

// Service records attendance and computes the aggregation queries. Records
// are append-only with no dedup: duplicate submissions for the same
// (student, date, subject) coexist and all count.
type Service struct {
	store       *store.Store
	mockHistory bool
}

// NewService creates an attendance service. mockHistory keeps the legacy
// behavior of synthesizing a 30-day randomized history for students without
// any real records.
func NewService(st *store.Store, mockHistory bool) *Service {
	return &Service{store: st, mockHistory: mockHistory}
}

// Mark appends one attendance record. An empty date defaults to today (UTC).
// There is no validation that the student or class exists.
func (s *Service) Mark(in MarkInput) (store.AttendanceRecord, error) {
	if in.StudentEmail == "" {
		return store.AttendanceRecord{}, ErrStudentEmailRequired
	}
	if in.Date == "" {
		in.Date = time.Now().UTC().Format(dateLayout)
	}
	rec := store.AttendanceRecord{
		ID:           uuid.NewString(),
		TeacherEmail: in.TeacherEmail,
		Subject:      in.Subject,
		ClassName:    in.ClassName,
		StudentEmail: in.StudentEmail,
		Date:         in.Date,
		Present:      in.Present,
	}
	err := s.store.UpdateAttendance(func(doc *store.AttendanceDoc) error {
		doc.Records = append(doc.Records, rec)
		return nil
	})
	if err != nil {
		return store.AttendanceRecord{}, err
	}
	return rec, nil
}

// History returns the records for one student. Unknown emails are an error;
// a known student with no records gets the synthesized 30-day fallback when
// enabled, otherwise an empty list.
func (s *Service) History(email string) ([]HistoryEntry, error) {
	if !s.studentExists(email) {
		return nil, ErrStudentNotFound
	}
	var entries []HistoryEntry
	for _, rec := range s.store.Attendance().Records {
		if rec.StudentEmail == email {
			entries = append(entries, HistoryEntry{
				Subject:      rec.Subject,
				ClassName:    rec.ClassName,
				TeacherEmail: rec.TeacherEmail,
				Date:         rec.Date,
				Present:      rec.Present,
			})
		}
	}
	if len(entries) == 0 {
		if !s.mockHistory {
			return []HistoryEntry{}, nil
		}
		return mockThirtyDays(), nil
	}
	return entries, nil
}

// ClassSummary aggregates attendance per class. The percent is the mean over
// students with at least one record of presentDays/totalDays*100, one
// decimal. A class whose students have no records reports "0.0", never NaN.
func (s *Service) ClassSummary() []ClassSummary {
	students := s.store.Users().Students
	byStudent := s.recordsByStudent()

	type acc struct {
		total    int
		recorded int
		pctSum   float64
	}
	classes := map[string]*acc{}
	for _, st := range students {
		cls := className(st.ClassName)
		a := classes[cls]
		if a == nil {
			a = &acc{}
			classes[cls] = a
		}
		a.total++
		present, totalDays := tally(byStudent[st.Email])
		if totalDays > 0 {
			a.recorded++
			a.pctSum += float64(present) / float64(totalDays) * 100
		}
	}

	names := make([]string, 0, len(classes))
	for cls := range classes {
		names = append(names, cls)
	}
	sort.Strings(names)

	out := make([]ClassSummary, 0, len(names))
	for _, cls := range names {
		a := classes[cls]
		pct := 0.0
		if a.recorded > 0 {
			pct = a.pctSum / float64(a.recorded)
		}
		out = append(out, ClassSummary{
			ClassName:         cls,
			TotalStudents:     a.total,
			AttendancePercent: strconv.FormatFloat(pct, 'f', 1, 64),
		})
	}
	return out
}

// LowAttendance returns, per class, the students whose attendance percentage
// is below the threshold. Students with zero records are excluded outright.
func (s *Service) LowAttendance(threshold float64) map[string][]LowAttendanceStudent {
	students := s.store.Users().Students
	byStudent := s.recordsByStudent()

	out := map[string][]LowAttendanceStudent{}
	for _, st := range students {
		present, totalDays := tally(byStudent[st.Email])
		if totalDays == 0 {
			continue
		}
		pct := math.Round(float64(present)/float64(totalDays)*1000) / 10
		if pct >= threshold {
			continue
		}
		cls := className(st.ClassName)
		out[cls] = append(out[cls], LowAttendanceStudent{
			Name:                 st.Name,
			Email:                st.Email,
			AttendancePercentage: pct,
			PresentDays:          present,
			TotalDays:            totalDays,
			ClassName:            cls,
		})
	}
	return out
}

// ClassSummaryCSV renders the class summary as a CSV attachment body.
func (s *Service) ClassSummaryCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Class", "Total Students", "Average Attendance"}); err != nil {
		return nil, err
	}
	for _, row := range s.ClassSummary() {
		if err := w.Write([]string{row.ClassName, strconv.Itoa(row.TotalStudents), row.AttendancePercent}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StudentExportCSV renders one row per student with their recorded
// percentage. Students without records export as 0.0.
func (s *Service) StudentExportCSV() ([]byte, error) {
	students := s.store.Users().Students
	byStudent := s.recordsByStudent()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Student Name", "Class", "Attendance %"}); err != nil {
		return nil, err
	}
	for _, st := range students {
		present, totalDays := tally(byStudent[st.Email])
		pct := 0.0
		if totalDays > 0 {
			pct = float64(present) / float64(totalDays) * 100
		}
		row := []string{st.Name, className(st.ClassName), strconv.FormatFloat(pct, 'f', 1, 64)}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Service) studentExists(email string) bool {
	for _, st := range s.store.Users().Students {
		if strings.EqualFold(st.Email, email) {
			return true
		}
	}
	return false
}

func (s *Service) recordsByStudent() map[string][]store.AttendanceRecord {
	byStudent := map[string][]store.AttendanceRecord{}
	for _, rec := range s.store.Attendance().Records {
		byStudent[rec.StudentEmail] = append(byStudent[rec.StudentEmail], rec)
	}
	return byStudent
}

func tally(records []store.AttendanceRecord) (present, total int) {
	for _, rec := range records {
		total++
		if rec.Present {
			present++
		}
	}
	return present, total
}

func className(cls string) string {
	if cls == "" {
		return "Unknown"
	}
	return cls
}

// mockThirtyDays synthesizes a demo history covering the last 30 calendar
// days with roughly 85% presence.
func mockThirtyDays() []HistoryEntry {
	entries := make([]HistoryEntry, 0, 30)
	now := time.Now().UTC()
	for i := 29; i >= 0; i-- {
		entries = append(entries, HistoryEntry{
			Date:    now.AddDate(0, 0, -i).Format(dateLayout),
			Present: rand.Float64() > 0.15,
		})
	}
	return entries
}
