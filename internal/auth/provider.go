package auth

import (
	"context"
	"sync"
	"time"
)

// State is the authentication state of one client session.
type State struct {
	UserID string
	Email  string
}

// SignedIn reports whether a user is present.
func (s State) SignedIn() bool { return s.UserID != "" }

// Provider emits signed-in and signed-out transitions and can sign out.
type Provider interface {
	// OnChange registers fn and immediately calls it with the current state.
	OnChange(fn func(State)) (unsubscribe func())
	Current() State
	SignOut(ctx context.Context) error
}

// TokenProvider is a Provider driven by gateway tokens. It signs itself out
// when the token expires.
type TokenProvider struct {
	jwt *JWTManager

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	next      int
	expiry    *time.Timer
}

// NewTokenProvider returns a signed-out provider.
func NewTokenProvider(jwt *JWTManager) *TokenProvider {
	return &TokenProvider{jwt: jwt, listeners: map[int]func(State){}}
}

// SignIn verifies token and transitions to signed-in.
func (p *TokenProvider) SignIn(token string) (*Claims, error) {
	claims, err := p.jwt.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
	}
	if claims.ExpiresAt != nil {
		p.expiry = time.AfterFunc(time.Until(claims.ExpiresAt.Time), func() {
			_ = p.SignOut(context.Background())
		})
	}
	changed := p.state.UserID != claims.UserID
	p.state = State{UserID: claims.UserID, Email: claims.Email}
	p.mu.Unlock()

	if changed {
		p.emit()
	}
	return claims, nil
}

// SignOut transitions to signed-out. Signing out twice is a no-op.
func (p *TokenProvider) SignOut(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	wasIn := p.state.SignedIn()
	p.state = State{}
	p.mu.Unlock()

	if wasIn {
		p.emit()
	}
	return nil
}

func (p *TokenProvider) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentUser returns the signed-in user id or "".
func (p *TokenProvider) CurrentUser() string {
	return p.Current().UserID
}

func (p *TokenProvider) OnChange(fn func(State)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	state := p.state
	p.mu.Unlock()

	fn(state)

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Listeners returns the number of registered listeners.
func (p *TokenProvider) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func (p *TokenProvider) emit() {
	p.mu.Lock()
	state := p.state
	fns := make([]func(State), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
