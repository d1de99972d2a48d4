package facade

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agroclima/quillota/internal/auth"
	"github.com/agroclima/quillota/internal/models"
)

// Server exposes the facade over HTTP. Session ids travel in the
// Authorization header as a bearer token.
type Server struct {
	facade *Facade
	auth   *auth.Service
	port   string
}

func NewServer(f *Facade, authSvc *auth.Service, port string) *Server {
	return &Server{facade: f, auth: authSvc, port: port}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/weather/window", s.withUser(s.handleWeatherWindow))
	mux.HandleFunc("/api/weather/current", s.withUser(s.handleCurrent))
	mux.HandleFunc("/api/alerts", s.withUser(s.handleAlerts))
	mux.HandleFunc("/api/recommendations", s.withUser(s.handleRecommendations))
	mux.HandleFunc("/api/irrigation/plan", s.withUser(s.handleIrrigationPlan))
	mux.HandleFunc("/api/economics/projection", s.withUser(s.handleProjection))
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type apiResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func statusCode(st Status) int {
	switch st {
	case StatusOK:
		return http.StatusOK
	case StatusNotFound:
		return http.StatusNotFound
	case StatusForbidden:
		return http.StatusForbidden
	case StatusBadRequest:
		return http.StatusBadRequest
	case StatusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, st Status, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(st))
	json.NewEncoder(w).Encode(apiResponse{Status: st, Message: message, Data: data})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// withUser resolves the bearer session into a user before calling the handler.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, *models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeResult(w, StatusForbidden, "missing session", nil)
			return
		}
		user, err := s.auth.ValidateSession(r.Context(), token)
		if err != nil {
			if auth.IsFailure(err, auth.FailureSessionInvalid) {
				writeResult(w, StatusForbidden, "session invalid", nil)
				return
			}
			writeResult(w, StatusUnavailable, "data temporarily unavailable", nil)
			return
		}
		next(w, r, user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeResult(w, StatusBadRequest, "POST required", nil)
		return
	}
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeResult(w, StatusBadRequest, "malformed body", nil)
		return
	}
	user, err := s.auth.Authenticate(r.Context(), body.Login, body.Password)
	if err != nil {
		// Never reveal whether the login or the password was wrong.
		writeResult(w, StatusForbidden, "bad credentials", nil)
		return
	}
	token, err := s.auth.OpenSession(r.Context(), user, r.RemoteAddr, r.UserAgent())
	if err != nil {
		log.Printf("api: open session: %v", err)
		writeResult(w, StatusUnavailable, "data temporarily unavailable", nil)
		return
	}
	writeResult(w, StatusOK, "", map[string]string{
		"session": token,
		"role":    string(user.Role),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeResult(w, StatusBadRequest, "missing session", nil)
		return
	}
	if err := s.auth.CloseSession(r.Context(), token); err != nil {
		writeResult(w, StatusUnavailable, "data temporarily unavailable", nil)
		return
	}
	writeResult(w, StatusOK, "", nil)
}

func (s *Server) handleWeatherWindow(w http.ResponseWriter, r *http.Request, user *models.User) {
	q := r.URL.Query()
	start, err1 := time.Parse(time.RFC3339, q.Get("from"))
	end, err2 := time.Parse(time.RFC3339, q.Get("to"))
	if err1 != nil || err2 != nil {
		writeResult(w, StatusBadRequest, "from and to must be RFC3339 timestamps", nil)
		return
	}
	records, st, msg := s.facade.WeatherWindow(r.Context(), user, q.Get("station"), start, end)
	writeResult(w, st, msg, records)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request, user *models.User) {
	cond, st, msg := s.facade.CurrentConditions(r.Context(), user, r.URL.Query().Get("station"))
	writeResult(w, st, msg, cond)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request, user *models.User) {
	q := r.URL.Query()
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeResult(w, StatusBadRequest, "since must be an RFC3339 timestamp", nil)
			return
		}
		since = t
	}
	alerts, st, msg := s.facade.ActiveAlerts(r.Context(), user, q.Get("station"), since)
	writeResult(w, st, msg, alerts)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request, user *models.User) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeResult(w, StatusBadRequest, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	recs, st, msg := s.facade.LatestRecommendations(r.Context(), user, q.Get("crop"), limit)
	writeResult(w, st, msg, recs)
}

func (s *Server) handleIrrigationPlan(w http.ResponseWriter, r *http.Request, user *models.User) {
	q := r.URL.Query()
	zone := models.ZoneState{
		ZoneID: q.Get("zone"),
		CropID: q.Get("crop"),
	}
	// Readings omitted from the request are filled from the station's latest
	// observation. An explicit value, zero included, is taken as given.
	fillFromStation := true
	if v := q.Get("humidity"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeResult(w, StatusBadRequest, "humidity must be numeric", nil)
			return
		}
		zone.Humidity = h
		fillFromStation = false
	}
	if v := q.Get("temperature"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeResult(w, StatusBadRequest, "temperature must be numeric", nil)
			return
		}
		zone.Temperature = t
		fillFromStation = false
	}
	if v := q.Get("since_last_hours"); v != "" {
		h, err := strconv.ParseFloat(v, 64)
		if err != nil || h < 0 {
			writeResult(w, StatusBadRequest, "since_last_hours must be a non-negative number", nil)
			return
		}
		zone.SinceLastRun = time.Duration(h * float64(time.Hour))
	}
	decision, st, msg := s.facade.IrrigationPlan(r.Context(), user, zone, q.Get("crop"), fillFromStation)
	writeResult(w, st, msg, decision)
}

func (s *Server) handleProjection(w http.ResponseWriter, r *http.Request, user *models.User) {
	q := r.URL.Query()
	area, err := strconv.ParseFloat(q.Get("area_ha"), 64)
	if err != nil {
		writeResult(w, StatusBadRequest, "area_ha must be numeric", nil)
		return
	}
	horizon, err := strconv.Atoi(q.Get("horizon_years"))
	if err != nil {
		writeResult(w, StatusBadRequest, "horizon_years must be an integer", nil)
		return
	}
	rate := 0.08
	if v := q.Get("discount_rate"); v != "" {
		rate, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeResult(w, StatusBadRequest, "discount_rate must be numeric", nil)
			return
		}
	}
	var currencies []string
	if v := q.Get("currencies"); v != "" {
		currencies = strings.Split(v, ",")
	}
	proj, st, msg := s.facade.EconomicProjection(r.Context(), user, q.Get("crop"), area, horizon, rate, currencies)
	writeResult(w, st, msg, proj)
}
