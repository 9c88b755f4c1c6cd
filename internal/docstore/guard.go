package docstore

import (
	"context"
	"fmt"
)

// OwnerGuard wraps a store so that writes to documents of coll are only
// allowed when the document id equals the currently signed-in user. Once the
// user signs out, currentUser returns "" and every such write is denied.
func OwnerGuard(s Store, coll string, currentUser func() string) Store {
	return &ownerGuard{Store: s, coll: coll, currentUser: currentUser}
}

type ownerGuard struct {
	Store
	coll        string
	currentUser func() string
}

func (g *ownerGuard) check(coll, id string) error {
	if coll != g.coll {
		return nil
	}
	if uid := g.currentUser(); uid == "" || uid != id {
		return fmt.Errorf("write %s/%s: %w", coll, id, ErrPermissionDenied)
	}
	return nil
}

func (g *ownerGuard) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := g.check(coll, id); err != nil {
		return err
	}
	return g.Store.Set(ctx, coll, id, fields)
}

func (g *ownerGuard) Update(ctx context.Context, coll, id string, u *Update) error {
	if err := g.check(coll, id); err != nil {
		return err
	}
	return g.Store.Update(ctx, coll, id, u)
}

func (g *ownerGuard) Delete(ctx context.Context, coll, id string) error {
	if err := g.check(coll, id); err != nil {
		return err
	}
	return g.Store.Delete(ctx, coll, id)
}
