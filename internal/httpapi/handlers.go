package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
	"github.com/DoyleJ11/board-session-sync/internal/identity"
	"github.com/DoyleJ11/board-session-sync/internal/ratelimit"
	"github.com/DoyleJ11/board-session-sync/internal/room"
	"github.com/DoyleJ11/board-session-sync/internal/types"
)

const readyTimeout = 2 * time.Second

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Readyz reports 503 until every pinger answers.
func Readyz(pingers map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		for name, p := range pingers {
			g.Go(func() error {
				if err := p.Ping(gctx); err != nil {
					logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// NearbySessions serves GET /sessions/nearby?lat=..&lon=..[&radius=..].
func NearbySessions(rooms *room.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			writeError(w, apperr.Validation("lat and lon are required"))
			return
		}
		var radius float64
		if s := q.Get("radius"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				writeError(w, apperr.Validation("invalid radius"))
				return
			}
			radius = v
		}

		found, err := rooms.FindNearbySessions(r.Context(), lat, lon, radius)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	}
}

// CreateSession serves POST /sessions for signed-in callers.
func CreateSession(rooms *room.Manager, verifier identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := authenticate(r, verifier)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := rooms.CheckRateLimit("user:"+who.UserID, ratelimit.OpCreateSession); err != nil {
			writeError(w, err)
			return
		}

		var req room.CreateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, apperr.Validation("invalid request body"))
			return
		}
		rec, err := rooms.CreateDiscoverableSession(r.Context(), who.UserID, req)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, types.SessionSummary{
			ID:              rec.ID,
			BoardPath:       rec.BoardPath,
			Name:            rec.Name,
			CreatedByUserID: rec.CreatedByUserID,
			Latitude:        rec.Latitude,
			Longitude:       rec.Longitude,
			CreatedAt:       rec.CreatedAt,
			UpdatedAt:       rec.UpdatedAt,
		})
	}
}

// UserSessions serves GET /sessions/mine.
func UserSessions(rooms *room.Manager, verifier identity.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		who, err := authenticate(r, verifier)
		if err != nil {
			writeError(w, err)
			return
		}
		found, err := rooms.GetUserSessions(r.Context(), who.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
	}
}

func authenticate(r *http.Request, verifier identity.Verifier) (identity.Identity, error) {
	who, err := verifier.Verify(r.Context(), identity.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		return identity.Anonymous, err
	}
	if !who.Authenticated {
		return identity.Anonymous, apperr.Unauthenticated("bearer token required")
	}
	return who, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.GetCode(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	writeJSON(w, statusFor(code), types.ErrorDetail{Code: string(code), Message: apperr.Message(err)})
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeVersionConflict:
		return http.StatusConflict
	case apperr.CodeThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
