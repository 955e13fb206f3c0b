package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	mwKey    = "mw-secret"
	mwIssuer = "blockattend"
)

func protectedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", mw, func(c *gin.Context) {
		v, ok := c.Get(ContextKey)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "claims missing"})
			return
		}
		claims := v.(Claims)
		c.JSON(http.StatusOK, gin.H{"email": claims.Email, "role": claims.Role})
	})
	return r
}

func get(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	token, _, err := Issue(1, "a@e.com", "admin", mwIssuer, mwKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	r := protectedRouter(RequireRole(mwKey, mwIssuer, "admin"))
	w := get(r, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !containsAll(body, `"email":"a@e.com"`, `"role":"admin"`) {
		t.Fatalf("claims not propagated to handler: %s", body)
	}
}

func TestRequireRoleRejectsWrongRole(t *testing.T) {
	token, _, err := Issue(2, "s@e.com", "student", mwIssuer, mwKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	r := protectedRouter(RequireRole(mwKey, mwIssuer, "admin"))
	if w := get(r, "Bearer "+token); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestRequireRoleRejectsBadHeaders(t *testing.T) {
	r := protectedRouter(RequireRole(mwKey, mwIssuer, "admin"))
	for _, header := range []string{
		"",
		"Bearer",
		"Bearer not.a.token",
		"Token abc",
	} {
		if w := get(r, header); w.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestRequireRoleRejectsForeignKey(t *testing.T) {
	token, _, err := Issue(3, "a@e.com", "admin", mwIssuer, "other-key", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	r := protectedRouter(RequireRole(mwKey, mwIssuer, "admin"))
	if w := get(r, "Bearer "+token); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestBearerSetsClaims(t *testing.T) {
	token, _, err := Issue(4, "t@e.com", "teacher", mwIssuer, mwKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	r := protectedRouter(Bearer(mwKey, mwIssuer))
	w := get(r, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !containsAll(body, `"email":"t@e.com"`, `"role":"teacher"`) {
		t.Fatalf("claims not propagated to handler: %s", body)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
