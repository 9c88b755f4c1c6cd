// Package gateway is the client-facing surface of the sync engine: HTTP
// account endpoints, one websocket session per browser tab driving the
// engine components, and a gRPC health service.
package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
	"github.com/PaulBabatuyi/marketchat/internal/middleware"
	"github.com/PaulBabatuyi/marketchat/internal/presence"
	"github.com/PaulBabatuyi/marketchat/internal/watermark"
)

// Users is the credential store.
type Users interface {
	CreateUser(ctx context.Context, email, username, hashedPassword string) (*data.User, error)
	GetUserByEmail(ctx context.Context, email string) (*data.User, error)
	GetUserByID(ctx context.Context, id string) (*data.User, error)
}

// Deps are the collaborators a Server is wired with.
type Deps struct {
	Store docstore.Store
	Users Users
	JWT   *auth.JWTManager
	Marks watermark.Store
	// Mirror is optional.
	Mirror        presence.Mirror
	AuthLimiter   *middleware.LimiterStore
	ActionLimiter *middleware.LimiterStore
	Log           zerolog.Logger
}

// Settings tune the per-session engine.
type Settings struct {
	CORSOrigins       []string
	Heartbeat         time.Duration
	SeenDebounce      time.Duration
	DeliveryHintDelay time.Duration
	ReviewCollections []string
}

// Server implements the HTTP and websocket endpoints.
type Server struct {
	store    docstore.Store
	users    Users
	jwt      *auth.JWTManager
	marks    watermark.Store
	mirror   presence.Mirror
	authRL   *middleware.LimiterStore
	actionRL *middleware.LimiterStore
	log      zerolog.Logger
	settings Settings
	hub      *Hub
}

// NewServer returns a ready-to-use Server.
func NewServer(deps Deps, settings Settings) *Server {
	if len(settings.ReviewCollections) == 0 {
		settings.ReviewCollections = data.ReviewCollections
	}
	return &Server{
		store:    deps.Store,
		users:    deps.Users,
		jwt:      deps.JWT,
		marks:    deps.Marks,
		mirror:   deps.Mirror,
		authRL:   deps.AuthLimiter,
		actionRL: deps.ActionLimiter,
		log:      deps.Log,
		settings: settings,
		hub:      NewHub(),
	}
}

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// allowAction applies the per-user action limit, if configured.
func (s *Server) allowAction(uid string) bool {
	if s.actionRL == nil {
		return true
	}
	return s.actionRL.Allow("action:" + uid)
}
