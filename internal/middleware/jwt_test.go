package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubValidator map[string][2]string

func (s stubValidator) ValidateToken(tok string) (string, string, error) {
	v, ok := s[tok]
	if !ok {
		return "", "", errors.New("bad token")
	}
	return v[0], v[1], nil
}

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	id, _ := UserFromContext(r.Context())
	role, _ := r.Context().Value(RoleKey).(string)
	w.Write([]byte(id + "/" + role))
}

func TestAuthMiddleware(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{"good": {"7", "Staff"}})

	tests := []struct {
		name       string
		header     string
		query      string
		optional   bool
		wantStatus int
		wantBody   string
	}{
		{name: "bearer header", header: "Bearer good", wantStatus: http.StatusOK, wantBody: "7/Staff"},
		{name: "access_token query", query: "?access_token=good", wantStatus: http.StatusOK, wantBody: "7/Staff"},
		{name: "legacy token query", query: "?token=good", wantStatus: http.StatusOK, wantBody: "7/Staff"},
		{name: "missing token", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "optional anonymous", optional: true, wantStatus: http.StatusOK, wantBody: "/"},
		{name: "optional invalid token", optional: true, query: "?access_token=nope", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h := am.Handle(http.HandlerFunc(echoIdentity))
			if tt.optional {
				h = am.Optional(http.HandlerFunc(echoIdentity))
			}
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	am := NewAuthMiddleware(stubValidator{"staff": {"1", "Staff"}, "member": {"2", "Member"}})
	h := am.Handle(RequireRole("Staff", "Manager")(http.HandlerFunc(echoIdentity)))

	for tok, want := range map[string]int{"staff": http.StatusOK, "member": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodPut, "/vote/enable-voting/42", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, tok)
	}
}
