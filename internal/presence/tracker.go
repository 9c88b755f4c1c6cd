// Package presence keeps the signed-in user's profile online flag fresh.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

var tracer = otel.Tracer("presence-tracker")

// DefaultHeartbeat is how often an active session re-asserts it is online.
const DefaultHeartbeat = 30 * time.Second

// Mirror receives presence marks alongside the profile document and answers
// whether a user heartbeated recently.
type Mirror interface {
	MarkOnline(ctx context.Context, uid string) error
	MarkOffline(ctx context.Context, uid string) error
	IsOnline(ctx context.Context, uid string) (bool, error)
}

// Tracker writes {online, last_seen} to one user's profile. At most one
// heartbeat loop runs per tracker.
type Tracker struct {
	store     docstore.Store
	mirror    Mirror
	heartbeat time.Duration
	log       zerolog.Logger

	mu     sync.Mutex
	uid    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// WithMirror also records presence in m.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// NewTracker returns an inactive tracker.
func NewTracker(store docstore.Store, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{store: store, heartbeat: DefaultHeartbeat, log: log}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Active returns the user the heartbeat runs for, or "".
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uid
}

// Activate marks uid online and starts the heartbeat, replacing any running one.
func (t *Tracker) Activate(ctx context.Context, uid string) {
	if uid == "" {
		return
	}
	ctx, span := tracer.Start(ctx, "Tracker.Activate", trace.WithAttributes(attribute.String("user_id", uid)))
	defer span.End()

	t.stopHeartbeat()
	t.write(ctx, uid, true)

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	t.mu.Lock()
	t.uid, t.cancel, t.done = uid, cancel, done
	t.mu.Unlock()

	go t.runHeartbeat(hbCtx, uid, done)
	span.SetStatus(codes.Ok, "active")
}

// Deactivate stops the heartbeat and marks the user offline, best effort.
func (t *Tracker) Deactivate(ctx context.Context) {
	uid := t.stopHeartbeat()
	if uid == "" {
		return
	}
	ctx, span := tracer.Start(ctx, "Tracker.Deactivate", trace.WithAttributes(attribute.String("user_id", uid)))
	defer span.End()
	t.write(ctx, uid, false)
}

// Stop ends the heartbeat without writing. Used once credentials are gone
// and the profile can no longer be written.
func (t *Tracker) Stop() {
	if uid := t.stopHeartbeat(); uid != "" {
		t.log.Debug().Str("user_id", uid).Msg("presence - heartbeat - stopped without offline write")
	}
}

func (t *Tracker) runHeartbeat(ctx context.Context, uid string, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Str("user_id", uid).Msg("presence - heartbeat - stopped")
			return
		case <-ticker.C:
			hbCtx, span := tracer.Start(ctx, "Tracker.Heartbeat")
			t.write(hbCtx, uid, true)
			span.End()
		}
	}
}

// stopHeartbeat cancels the loop, waits for it and returns the user it ran for.
func (t *Tracker) stopHeartbeat() string {
	t.mu.Lock()
	uid, cancel, done := t.uid, t.cancel, t.done
	t.uid, t.cancel, t.done = "", nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return uid
}

func (t *Tracker) write(ctx context.Context, uid string, online bool) {
	err := t.store.Set(ctx, data.CollProfiles, uid, map[string]any{
		data.FieldOnline:   online,
		data.FieldLastSeen: docstore.ServerTimestamp,
	})
	switch {
	case err == nil:
	case errors.Is(err, docstore.ErrPermissionDenied):
		// credentials already gone; the offline write is advisory
		span := trace.SpanFromContext(ctx)
		span.AddEvent("permission denied")
	default:
		trace.SpanFromContext(ctx).RecordError(err)
		t.log.Warn().Err(err).Str("user_id", uid).Bool("online", online).Msg("presence - write profile - failed")
	}

	if t.mirror == nil {
		return
	}
	if online {
		err = t.mirror.MarkOnline(ctx, uid)
	} else {
		err = t.mirror.MarkOffline(ctx, uid)
	}
	if err != nil {
		t.log.Warn().Err(err).Str("user_id", uid).Msg("presence - mirror - failed")
	}
}
