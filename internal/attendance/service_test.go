package attendance

import (
	"errors"
	"strings"
	"testing"
	"time"

	"blockattend/internal/store"
)

func newTestService(t *testing.T, mockHistory bool) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	return NewService(st, mockHistory), st
}

func seedStudents(t *testing.T, st *store.Store, students ...store.User) {
	t.Helper()
	err := st.UpdateUsers(func(doc *store.UsersDoc) error {
		doc.Students = append(doc.Students, students...)
		return nil
	})
	if err != nil {
		t.Fatalf("seed students failed: %v", err)
	}
}

func markN(t *testing.T, svc *Service, email string, present, absent int) {
	t.Helper()
	for i := 0; i < present+absent; i++ {
		_, err := svc.Mark(MarkInput{
			TeacherEmail: "t@e.com",
			Subject:      "CN",
			ClassName:    "5A",
			StudentEmail: email,
			Date:         "2026-01-02",
			Present:      i < present,
		})
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
}

func TestMarkAndHistoryRoundTrip(t *testing.T) {
	svc, st := newTestService(t, true)
	seedStudents(t, st, store.User{ID: 1, Name: "S", Email: "s@e.com", ClassName: "5A"})

	rec, err := svc.Mark(MarkInput{
		TeacherEmail: "t@e.com",
		Subject:      "CN",
		ClassName:    "5A",
		StudentEmail: "s@e.com",
		Date:         "2026-08-29",
		Present:      true,
	})
	if err != nil {
		t.Fatalf("Mark returned error: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected record id to be assigned")
	}

	entries, err := svc.History("s@e.com")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Subject != "CN" || e.ClassName != "5A" || e.TeacherEmail != "t@e.com" || e.Date != "2026-08-29" || !e.Present {
		t.Fatalf("round-trip mismatch: %+v", e)
	}
}

func TestMarkDefaultsDateToToday(t *testing.T) {
	svc, _ := newTestService(t, true)
	rec, err := svc.Mark(MarkInput{StudentEmail: "s@e.com", Present: false})
	if err != nil {
		t.Fatalf("Mark returned error: %v", err)
	}
	if rec.Date != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("expected today's date, got %q", rec.Date)
	}
}

func TestMarkRequiresStudentEmail(t *testing.T) {
	svc, _ := newTestService(t, true)
	if _, err := svc.Mark(MarkInput{Present: true}); !errors.Is(err, ErrStudentEmailRequired) {
		t.Fatalf("expected ErrStudentEmailRequired, got %v", err)
	}
}

func TestMarkAllowsDuplicates(t *testing.T) {
	svc, st := newTestService(t, true)
	seedStudents(t, st, store.User{ID: 1, Name: "S", Email: "s@e.com", ClassName: "5A"})

	in := MarkInput{Subject: "CN", ClassName: "5A", StudentEmail: "s@e.com", Date: "2026-08-29", Present: true}
	if _, err := svc.Mark(in); err != nil {
		t.Fatalf("first mark failed: %v", err)
	}
	if _, err := svc.Mark(in); err != nil {
		t.Fatalf("duplicate mark should be accepted: %v", err)
	}
	entries, err := svc.History("s@e.com")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("duplicates must both count, got %d entries", len(entries))
	}
}

func TestHistoryUnknownStudent(t *testing.T) {
	svc, _ := newTestService(t, true)
	if _, err := svc.History("ghost@e.com"); !errors.Is(err, ErrStudentNotFound) {
		t.Fatalf("expected ErrStudentNotFound, got %v", err)
	}
}

func TestHistoryMockFallback(t *testing.T) {
	svc, st := newTestService(t, true)
	seedStudents(t, st, store.User{ID: 1, Name: "S", Email: "s@e.com", ClassName: "5A"})

	entries, err := svc.History("s@e.com")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(entries) != 30 {
		t.Fatalf("expected 30 synthesized entries, got %d", len(entries))
	}
	if last := entries[len(entries)-1].Date; last != time.Now().UTC().Format("2006-01-02") {
		t.Fatalf("fallback should end today, got %q", last)
	}
	for _, e := range entries {
		if e.Subject != "" || e.TeacherEmail != "" {
			t.Fatalf("synthesized entries should carry only date and present: %+v", e)
		}
	}
}

func TestHistoryEmptyWhenMockDisabled(t *testing.T) {
	svc, st := newTestService(t, false)
	seedStudents(t, st, store.User{ID: 1, Name: "S", Email: "s@e.com", ClassName: "5A"})

	entries, err := svc.History("s@e.com")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(entries))
	}
}

func TestClassSummary(t *testing.T) {
	svc, st := newTestService(t, false)
	seedStudents(t, st,
		store.User{ID: 1, Name: "A", Email: "a@e.com", ClassName: "5A"},
		store.User{ID: 2, Name: "B", Email: "b@e.com", ClassName: "5A"},
		store.User{ID: 3, Name: "C", Email: "c@e.com", ClassName: "5B"},
	)
	markN(t, svc, "a@e.com", 8, 2)
	markN(t, svc, "b@e.com", 9, 1)
	// c@e.com has no records at all.

	summary := svc.ClassSummary()
	if len(summary) != 2 {
		t.Fatalf("expected 2 classes, got %+v", summary)
	}
	if summary[0].ClassName != "5A" || summary[0].TotalStudents != 2 || summary[0].AttendancePercent != "85.0" {
		t.Fatalf("unexpected 5A summary: %+v", summary[0])
	}
	// A class whose students have no records must report 0, not NaN.
	if summary[1].ClassName != "5B" || summary[1].TotalStudents != 1 || summary[1].AttendancePercent != "0.0" {
		t.Fatalf("unexpected 5B summary: %+v", summary[1])
	}
}

func TestLowAttendance(t *testing.T) {
	svc, st := newTestService(t, false)
	seedStudents(t, st,
		store.User{ID: 1, Name: "Low", Email: "low@e.com", ClassName: "5A"},
		store.User{ID: 2, Name: "High", Email: "high@e.com", ClassName: "5A"},
		store.User{ID: 3, Name: "Edge", Email: "edge@e.com", ClassName: "5A"},
		store.User{ID: 4, Name: "None", Email: "none@e.com", ClassName: "5A"},
	)
	markN(t, svc, "low@e.com", 1, 1)   // 50%
	markN(t, svc, "high@e.com", 4, 0)  // 100%
	markN(t, svc, "edge@e.com", 3, 1)  // exactly 75%
	// none@e.com has zero records and must be excluded, not treated as 0%.

	low := svc.LowAttendance(DefaultLowAttendanceThreshold)
	flagged := low["5A"]
	if len(flagged) != 1 {
		t.Fatalf("expected exactly one flagged student, got %+v", low)
	}
	s := flagged[0]
	if s.Email != "low@e.com" || s.AttendancePercentage != 50.0 || s.PresentDays != 1 || s.TotalDays != 2 {
		t.Fatalf("unexpected flagged student: %+v", s)
	}
	if s.AttendancePercentage < 0 || s.AttendancePercentage > 100 {
		t.Fatalf("percentage out of range: %v", s.AttendancePercentage)
	}
}

func TestClassSummaryCSV(t *testing.T) {
	svc, st := newTestService(t, false)
	seedStudents(t, st, store.User{ID: 1, Name: "A", Email: "a@e.com", ClassName: "5A"})
	markN(t, svc, "a@e.com", 3, 1)

	body, err := svc.ClassSummaryCSV()
	if err != nil {
		t.Fatalf("ClassSummaryCSV returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if lines[0] != "Class,Total Students,Average Attendance" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if len(lines) != 2 || lines[1] != "5A,1,75.0" {
		t.Fatalf("unexpected rows: %v", lines)
	}
}

func TestStudentExportCSV(t *testing.T) {
	svc, st := newTestService(t, false)
	seedStudents(t, st,
		store.User{ID: 1, Name: "A", Email: "a@e.com", ClassName: "5A"},
		store.User{ID: 2, Name: "B", Email: "b@e.com", ClassName: "5B"},
	)
	markN(t, svc, "a@e.com", 1, 1)

	body, err := svc.StudentExportCSV()
	if err != nil {
		t.Fatalf("StudentExportCSV returned error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if lines[0] != "Student Name,Class,Attendance %" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if len(lines) != 3 || lines[1] != "A,5A,50.0" || lines[2] != "B,5B,0.0" {
		t.Fatalf("unexpected rows: %v", lines)
	}
}
