package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/PaulBabatuyi/marketchat/internal/middleware"
)

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.settings.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Use(chimw.Timeout(15 * time.Second))
		if s.authRL != nil {
			r.Use(middleware.RateLimit(s.authRL, middleware.ByEmail, s.log))
		}
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Get("/me", s.handleMe)
	r.Get("/ws", s.handleWS)
	return r
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	all := false
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			all = true
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		// non-browser clients send no origin
		if origin == "" || all {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		_, ok := set[u.Scheme+"://"+u.Host]
		return ok
	}
}

// bearerToken reads the token from the query, the Authorization header or a
// "bearer, <token>" websocket subprotocol pair.
func bearerToken(r *http.Request) (token string, viaProtocol bool) {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, false
	}
	if h := strings.TrimSpace(r.Header.Get("Authorization")); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		if t := strings.TrimSpace(h[7:]); t != "" {
			return t, false
		}
	}
	parts := websocket.Subprotocols(r)
	if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token, viaProtocol := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := s.jwt.VerifyToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(s.settings.CORSOrigins),
	}
	if viaProtocol {
		upgrader.Subprotocols = []string{"bearer"}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.log.Warn().Err(err).Str("user_id", claims.UserID).Msg("gateway - ws upgrade - failed")
		return
	}

	p, err := s.newPeer(r.Context(), conn, token)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", claims.UserID).Msg("gateway - ws session - start failed")
		_ = conn.Close()
		return
	}
	p.run()
}
