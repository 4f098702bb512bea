package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/course-dispatch/internal/course"
	"github.com/example/course-dispatch/internal/models"
)

const actorKey contextKey = "actor"

// Claims is the token shape issued by the session service (outside this
// repo). driver_id is empty for dispatcher tokens.
type Claims struct {
	DriverID string `json:"driver_id,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// authMiddleware authenticates every API request. Websocket attaches pass the
// token as a query parameter since browsers cannot set headers on upgrade.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, &course.AuthorizationError{Reason: "missing credentials"})
			return
		}
		actor, err := s.parseToken(raw)
		if err != nil {
			writeError(w, &course.AuthorizationError{Reason: "invalid token"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) parseToken(raw string) (course.Actor, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return course.Actor{}, err
	}
	actor := course.Actor{Role: models.Role(claims.Role)}
	if claims.DriverID != "" {
		id, err := uuid.Parse(claims.DriverID)
		if err != nil {
			return course.Actor{}, err
		}
		actor.DriverID = id
	}
	return actor, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func actorFromContext(ctx context.Context) (course.Actor, bool) {
	a, ok := ctx.Value(actorKey).(course.Actor)
	return a, ok
}
