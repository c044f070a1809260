package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	DoctorIDKey  contextKey = "doctor_id"
)

// DevDoctorHeader selects the doctor tenant when running without tokens.
const DevDoctorHeader = "X-Doctor-ID"

const (
	RoleDoctor    = "doctor"
	RoleAssistant = "assistant"
	RoleAdmin     = "admin"
)

// Claims carries the doctor whose data the caller acts on. Assistants get
// tokens bearing their employer's doctor_id.
type Claims struct {
	jwt.RegisteredClaims
	DoctorID string   `json:"doctor_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			doctorID, err := uuid.Parse(claims.DoctorID)
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, "token carries no doctor_id")
			}

			c.SetRequest(c.Request().WithContext(
				WithIdentity(c.Request().Context(), claims.Subject, doctorID, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware accepts requests without a token. The doctor is taken
// from the X-Doctor-ID header and the caller gets the doctor role.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get(DevDoctorHeader)
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+DevDoctorHeader+" header")
			}
			doctorID, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+DevDoctorHeader+" header")
			}

			c.SetRequest(c.Request().WithContext(
				WithIdentity(c.Request().Context(), "dev-user", doctorID, []string{RoleDoctor})))
			return next(c)
		}
	}
}

// WithIdentity stores the caller's identity on ctx.
func WithIdentity(ctx context.Context, userID string, doctorID uuid.UUID, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, DoctorIDKey, doctorID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// DoctorIDFromContext returns the doctor tenant of the request.
func DoctorIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(DoctorIDKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// DoctorScope resolves the doctor tenant for a handler or fails with 401.
func DoctorScope(c echo.Context) (uuid.UUID, error) {
	id, ok := DoctorIDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "no doctor in request scope")
	}
	return id, nil
}
