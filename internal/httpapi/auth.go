package httpapi

import (
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// adminAuth checks the shared admin secret against a bcrypt hash. A plain
// password is hashed once at startup; with neither configured every check
// fails.
type adminAuth struct {
	hash []byte
}

func newAdminAuth(plain, hash string) (*adminAuth, error) {
	switch {
	case hash != "":
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
		return &adminAuth{hash: []byte(hash)}, nil
	case plain != "":
		h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		return &adminAuth{hash: h}, nil
	}
	return &adminAuth{}, nil
}

func (a *adminAuth) check(secret string) bool {
	if secret == "" || len(a.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(secret)) == nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.check(r.Header.Get(adminHeader)) {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
