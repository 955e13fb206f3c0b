package registry

import (
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"blockattend/internal/store"
)

// Role names match the category lists in the users document.
const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// DefaultApprovalPassword is applied when an admin approves a request that
// carries no password. Known-weak; kept for compatibility with existing
// dashboards that rely on it.
const DefaultApprovalPassword = "changeMe123"

var (
	// ErrInvalidCredentials covers both unknown email and wrong password so
	// callers cannot distinguish them in user-facing messages.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateEmail is returned when an email already exists in any of
	// the admin, teacher or student lists.
	ErrDuplicateEmail = errors.New("email already exists")
	// ErrMissingFields is returned when a required field is absent.
	ErrMissingFields = errors.New("missing required fields")
	// ErrUnknownRole is returned for a role outside admin/teacher/student.
	ErrUnknownRole = errors.New("unknown role")
	// ErrRequestNotFound is returned when approving a request id that is not
	// in the pending set and the caller supplied no inline fields.
	ErrRequestNotFound = errors.New("request not found")
)

// PublicUser is the password-free projection returned by the API.
type PublicUser struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Role      string   `json:"role"`
	ClassName string   `json:"className,omitempty"`
	Subjects  []string `json:"subjects,omitempty"`
	Classes   []string `json:"classes,omitempty"`
}

// Service owns user lookup, credential checks and the registration and
// approval workflow on top of the users document.
type Service struct {
	store *store.Store

	idMu   sync.Mutex
	lastID int64
}

// NewService creates a registry service backed by the given store.
func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Verify looks a user up by email across admins, then teachers, then
// students, and checks the password. Stored values starting with "$2" are
// bcrypt hashes; anything else is legacy plaintext seed data.
func (s *Service) Verify(email, password string) (store.User, string, error) {
	user, role, ok := s.findByEmail(s.store.Users(), email)
	if !ok {
		return store.User{}, "", ErrInvalidCredentials
	}
	if isHashed(user.Password) {
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
			return store.User{}, "", ErrInvalidCredentials
		}
	} else if user.Password != password {
		return store.User{}, "", ErrInvalidCredentials
	}
	return user, role, nil
}

// RegisterInput is a direct self-service registration.
type RegisterInput struct {
	Name      string
	Email     string
	Password  string
	Role      string
	ClassName string
}

// Register hashes the password and appends the user to the category matching
// the requested role. The duplicate-email check and the append run under the
// users-document write lock.
func (s *Service) Register(in RegisterInput) (PublicUser, error) {
	if in.Name == "" || in.Email == "" || in.Password == "" || in.Role == "" {
		return PublicUser{}, ErrMissingFields
	}
	if in.Role != RoleAdmin && in.Role != RoleTeacher && in.Role != RoleStudent {
		return PublicUser{}, ErrUnknownRole
	}

	hashed, err := hashPassword(in.Password)
	if err != nil {
		return PublicUser{}, err
	}
	user := store.User{ID: s.nextID(), Name: in.Name, Email: in.Email, Password: hashed}

	err = s.store.UpdateUsers(func(doc *store.UsersDoc) error {
		if _, _, ok := s.findByEmail(*doc, in.Email); ok {
			return ErrDuplicateEmail
		}
		appendUser(doc, user, in.Role, in.ClassName)
		return nil
	})
	if err != nil {
		return PublicUser{}, err
	}
	return Public(user, in.Role), nil
}

// RequestInput is a self-service registration held for admin review.
type RequestInput struct {
	Name      string
	Email     string
	Password  string
	Role      string
	ClassName string
	Subjects  []string
	Classes   []string
}

// SubmitRequest validates role-specific required fields and stores the
// request in the pending set with a monotonic timestamp-based id.
func (s *Service) SubmitRequest(in RequestInput) (store.PendingRequest, error) {
	if in.Name == "" || in.Email == "" || in.Password == "" || in.Role == "" {
		return store.PendingRequest{}, ErrMissingFields
	}
	switch in.Role {
	case RoleTeacher:
		if len(in.Subjects) == 0 || len(in.Classes) == 0 {
			return store.PendingRequest{}, ErrMissingFields
		}
	case RoleStudent:
		if in.ClassName == "" {
			return store.PendingRequest{}, ErrMissingFields
		}
	case RoleAdmin:
	default:
		return store.PendingRequest{}, ErrUnknownRole
	}

	req := store.PendingRequest{
		ID:          s.nextID(),
		Name:        in.Name,
		Email:       in.Email,
		Password:    in.Password,
		Role:        in.Role,
		ClassName:   in.ClassName,
		Subjects:    in.Subjects,
		Classes:     in.Classes,
		Status:      "pending",
		RequestDate: time.Now().UTC().Format("2006-01-02"),
	}
	err := s.store.UpdateUsers(func(doc *store.UsersDoc) error {
		if _, _, ok := s.findByEmail(*doc, in.Email); ok {
			return ErrDuplicateEmail
		}
		doc.Requests = append(doc.Requests, req)
		return nil
	})
	if err != nil {
		return store.PendingRequest{}, err
	}
	return req, nil
}

// ApproveInput names the request to promote. Inline fields override the
// stored request; an id-only call resolves everything from the pending set.
type ApproveInput struct {
	ID        int64
	Name      string
	Email     string
	Role      string
	ClassName string
	Password  string
}

// Approve promotes a pending request into the matching user category,
// rehashing the password (or the fixed default when none is available), and
// removes the request from the pending set. The duplicate check, append and
// removal are a single locked update, so two concurrent approvals of the
// same email cannot both succeed.
func (s *Service) Approve(in ApproveInput) (PublicUser, error) {
	var created PublicUser
	err := s.store.UpdateUsers(func(doc *store.UsersDoc) error {
		var subjects, classes []string
		if stored, ok := findRequest(doc.Requests, in.ID); ok {
			subjects, classes = stored.Subjects, stored.Classes
			if in.Name == "" {
				in.Name = stored.Name
			}
			if in.Email == "" {
				in.Email = stored.Email
			}
			if in.Role == "" {
				in.Role = stored.Role
			}
			if in.ClassName == "" {
				in.ClassName = stored.ClassName
			}
			if in.Password == "" {
				in.Password = stored.Password
			}
		}
		if in.Name == "" || in.Email == "" || in.Role == "" {
			if in.ID != 0 {
				return ErrRequestNotFound
			}
			return ErrMissingFields
		}
		if in.Role != RoleAdmin && in.Role != RoleTeacher && in.Role != RoleStudent {
			return ErrUnknownRole
		}
		if _, _, ok := s.findByEmail(*doc, in.Email); ok {
			return ErrDuplicateEmail
		}

		plain := in.Password
		if plain == "" {
			plain = DefaultApprovalPassword
		}
		hashed, err := hashPassword(plain)
		if err != nil {
			return err
		}

		id := in.ID
		if id == 0 {
			id = s.nextID()
		}
		user := store.User{ID: id, Name: in.Name, Email: in.Email, Password: hashed, Subjects: subjects, Classes: classes}
		appendUser(doc, user, in.Role, in.ClassName)
		doc.Requests = removeRequest(doc.Requests, id, in.Email)
		created = Public(user, in.Role)
		return nil
	})
	if err != nil {
		return PublicUser{}, err
	}
	return created, nil
}

// Reject drops a request from the pending set. Rejecting an id that is
// already absent is a no-op.
func (s *Service) Reject(id int64) error {
	return s.store.UpdateUsers(func(doc *store.UsersDoc) error {
		doc.Requests = removeRequest(doc.Requests, id, "")
		return nil
	})
}

// Requests returns the pending set.
func (s *Service) Requests() []store.PendingRequest {
	reqs := s.store.Users().Requests
	if reqs == nil {
		reqs = []store.PendingRequest{}
	}
	return reqs
}

// Students returns the student list without password fields.
func (s *Service) Students() []PublicUser {
	return publicList(s.store.Users().Students, RoleStudent)
}

// AllUsersFlat returns every user across categories, role-tagged.
func (s *Service) AllUsersFlat() []PublicUser {
	doc := s.store.Users()
	flat := publicList(doc.Admins, RoleAdmin)
	flat = append(flat, publicList(doc.Teachers, RoleTeacher)...)
	flat = append(flat, publicList(doc.Students, RoleStudent)...)
	return flat
}

// TeacherCount returns the number of registered teachers.
func (s *Service) TeacherCount() int { return len(s.store.Users().Teachers) }

// StudentCount returns the number of registered students.
func (s *Service) StudentCount() int { return len(s.store.Users().Students) }

// EnsureAdmin seeds a bootstrap admin when the admins list is empty, so a
// fresh data directory is immediately usable. The password is stored as-is
// (legacy plaintext seed path); change it in any real deployment.
func (s *Service) EnsureAdmin(name, email, password string) error {
	return s.store.UpdateUsers(func(doc *store.UsersDoc) error {
		if len(doc.Admins) > 0 {
			return nil
		}
		doc.Admins = append(doc.Admins, store.User{
			ID:       s.nextID(),
			Name:     name,
			Email:    email,
			Password: password,
		})
		return nil
	})
}

// Public strips the password from a stored user and tags the role.
func Public(u store.User, role string) PublicUser {
	return PublicUser{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      role,
		ClassName: u.ClassName,
		Subjects:  u.Subjects,
		Classes:   u.Classes,
	}
}

func publicList(users []store.User, role string) []PublicUser {
	out := make([]PublicUser, 0, len(users))
	for _, u := range users {
		out = append(out, Public(u, role))
	}
	return out
}

func (s *Service) findByEmail(doc store.UsersDoc, email string) (store.User, string, bool) {
	needle := strings.ToLower(email)
	for _, cat := range []struct {
		users []store.User
		role  string
	}{
		{doc.Admins, RoleAdmin},
		{doc.Teachers, RoleTeacher},
		{doc.Students, RoleStudent},
	} {
		for _, u := range cat.users {
			if strings.ToLower(u.Email) == needle {
				return u, cat.role, true
			}
		}
	}
	return store.User{}, "", false
}

func appendUser(doc *store.UsersDoc, user store.User, role, className string) {
	switch role {
	case RoleAdmin:
		doc.Admins = append(doc.Admins, user)
	case RoleTeacher:
		if user.Subjects == nil {
			user.Subjects = []string{}
		}
		if user.Classes == nil {
			user.Classes = []string{}
		}
		doc.Teachers = append(doc.Teachers, user)
	default:
		user.ClassName = className
		doc.Students = append(doc.Students, user)
	}
}

func findRequest(reqs []store.PendingRequest, id int64) (store.PendingRequest, bool) {
	for _, r := range reqs {
		if r.ID == id {
			return r, true
		}
	}
	return store.PendingRequest{}, false
}

func removeRequest(reqs []store.PendingRequest, id int64, email string) []store.PendingRequest {
	out := reqs[:0]
	for _, r := range reqs {
		if r.ID == id || (email != "" && strings.EqualFold(r.Email, email)) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func isHashed(password string) bool {
	return strings.HasPrefix(password, "$2")
}

func hashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// nextID issues millisecond-timestamp ids, bumped when two calls land in the
// same millisecond so ids stay unique and monotonic within a process.
func (s *Service) nextID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := time.Now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}
