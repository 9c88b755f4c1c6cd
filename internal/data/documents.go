package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/marketchat/internal/db"
	"github.com/PaulBabatuyi/marketchat/internal/docstore"
)

// DocumentStore implements docstore.Store on MongoDB. Live subscriptions use
// change streams, so the server must run as a replica set.
type DocumentStore struct {
	client *db.Client
	log    zerolog.Logger
	retry  time.Duration
}

// NewDocumentStore returns a store over the client's database.
func NewDocumentStore(client *db.Client, log zerolog.Logger) *DocumentStore {
	return &DocumentStore{client: client, log: log, retry: 2 * time.Second}
}

var _ docstore.Store = (*DocumentStore)(nil)

func (s *DocumentStore) Get(ctx context.Context, coll, id string) (docstore.Snapshot, error) {
	raw, err := s.client.Collection(coll).FindOne(ctx, bson.M{"_id": id}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return docstore.Snapshot{}, fmt.Errorf("get %s/%s: %w", coll, id, docstore.ErrNotFound)
		}
		return docstore.Snapshot{}, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return docstore.NewSnapshot(id, copyRaw(raw)), nil
}

func (s *DocumentStore) Add(ctx context.Context, coll string, fields map[string]any) (string, error) {
	id := bson.NewObjectID().Hex()
	doc := bson.M{"_id": id}
	now := time.Now().UTC()
	for k, v := range fields {
		if docstore.IsServerTimestamp(v) {
			v = now
		}
		doc[k] = v
	}
	if _, err := s.client.Collection(coll).InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("add %s: %w", coll, err)
	}
	return id, nil
}

func (s *DocumentStore) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	u := docstore.NewUpdate()
	for k, v := range fields {
		u.Set(k, v)
	}
	_, err := s.client.Collection(coll).UpdateOne(ctx, bson.M{"_id": id}, updateDoc(u),
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *DocumentStore) Update(ctx context.Context, coll, id string, u *docstore.Update) error {
	if u.IsEmpty() {
		return nil
	}
	res, err := s.client.Collection(coll).UpdateOne(ctx, bson.M{"_id": id}, updateDoc(u))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", coll, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s/%s: %w", coll, id, docstore.ErrNotFound)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, coll, id string) error {
	if _, err := s.client.Collection(coll).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", coll, id, err)
	}
	return nil
}

// updateDoc translates the update operators into a MongoDB update document.
// Server timestamps become $currentDate so the database clock is authoritative.
func updateDoc(u *docstore.Update) bson.M {
	set := bson.M{}
	current := bson.M{}
	for path, v := range u.Sets() {
		if docstore.IsServerTimestamp(v) {
			current[path] = true
			continue
		}
		set[path] = v
	}
	out := bson.M{}
	if len(set) > 0 {
		out["$set"] = set
	}
	if len(current) > 0 {
		out["$currentDate"] = current
	}
	if incs := u.Incs(); len(incs) > 0 {
		inc := bson.M{}
		for path, n := range incs {
			inc[path] = n
		}
		out["$inc"] = inc
	}
	if adds := u.AddsToSet(); len(adds) > 0 {
		add := bson.M{}
		for path, vals := range adds {
			add[path] = bson.M{"$each": vals}
		}
		out["$addToSet"] = add
	}
	if pulls := u.Pulls(); len(pulls) > 0 {
		pull := bson.M{}
		for path, vals := range pulls {
			pull[path] = bson.M{"$in": vals}
		}
		out["$pull"] = pull
	}
	return out
}

func filterDoc(q docstore.Query) bson.D {
	filter := bson.D{}
	for _, c := range q.Conds {
		// equality on an array field already means "contains" in MongoDB
		filter = append(filter, bson.E{Key: c.Field, Value: c.Value})
	}
	return filter
}

func (s *DocumentStore) Find(ctx context.Context, coll string, q docstore.Query) ([]docstore.Snapshot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Order != "" {
		opts.SetSort(bson.D{{Key: q.Order, Value: 1}, {Key: "_id", Value: 1}})
	}
	cur, err := s.client.Collection(coll).Find(ctx, filterDoc(q), opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	defer cur.Close(ctx)

	var snaps []docstore.Snapshot
	for cur.Next(ctx) {
		raw := copyRaw(cur.Current)
		id, _ := raw.Lookup("_id").StringValueOK()
		snaps = append(snaps, docstore.NewSnapshot(id, raw))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	return snaps, nil
}

func (s *DocumentStore) WatchDoc(ctx context.Context, coll, id string, fn func(docstore.Snapshot)) (docstore.Subscription, error) {
	pipeline := mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}}}
	var last bson.Raw
	var delivered bool
	load := func(ctx context.Context) error {
		snap, err := s.Get(ctx, coll, id)
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			snap = docstore.Missing(id)
		case err != nil:
			return err
		}
		if delivered && bytes.Equal(last, snap.Raw()) {
			return nil
		}
		delivered, last = true, snap.Raw()
		fn(snap)
		return nil
	}
	return s.watch(ctx, coll, pipeline, load), nil
}

func (s *DocumentStore) WatchQuery(ctx context.Context, coll string, q docstore.Query, fn func([]docstore.Snapshot)) (docstore.Subscription, error) {
	var last []byte
	var delivered bool
	load := func(ctx context.Context) error {
		snaps, err := s.Find(ctx, coll, q)
		if err != nil {
			return err
		}
		var sig []byte
		for _, snap := range snaps {
			sig = append(sig, snap.Raw()...)
		}
		if delivered && bytes.Equal(last, sig) {
			return nil
		}
		delivered, last = true, sig
		fn(snaps)
		return nil
	}
	full := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	return s.watch(ctx, coll, queryPipeline(q), load, full), nil
}

// queryPipeline keeps the change events that can alter q's result: deletes,
// writes whose looked-up document matches every condition, and updates that
// touch a queried field, which may move a document out of the result.
func queryPipeline(q docstore.Query) mongo.Pipeline {
	matchDoc := bson.D{}
	or := bson.A{bson.D{{Key: "operationType", Value: "delete"}}}
	for _, c := range q.Conds {
		matchDoc = append(matchDoc, bson.E{Key: "fullDocument." + c.Field, Value: c.Value})
		or = append(or,
			bson.D{{Key: "updateDescription.updatedFields." + c.Field, Value: bson.D{{Key: "$exists", Value: true}}}},
			bson.D{{Key: "updateDescription.removedFields", Value: c.Field}},
		)
	}
	or = append(or, matchDoc)
	return mongo.Pipeline{{{Key: "$match", Value: bson.D{{Key: "$or", Value: or}}}}}
}

// watch opens a change stream and calls load once up front and again after
// every change event. A broken stream is reopened after the retry delay until
// the subscription is cancelled.
func (s *DocumentStore) watch(parent context.Context, coll string, pipeline mongo.Pipeline, load func(context.Context) error, opts ...options.Lister[options.ChangeStreamOptions]) docstore.Subscription {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stopParent := context.AfterFunc(parent, cancel)
	log := s.log.With().Str("collection", coll).Logger()

	go func() {
		defer cancel()
		for ctx.Err() == nil {
			stream, err := s.client.Collection(coll).Watch(ctx, pipeline, opts...)
			if err != nil {
				log.Warn().Err(err).Msg("watch - open change stream - failed")
				sleepCtx(ctx, s.retry)
				continue
			}
			if err := load(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("watch - initial load - failed")
			}
			for stream.Next(ctx) {
				if err := load(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("watch - reload - failed")
				}
			}
			if err := stream.Err(); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("watch - change stream - interrupted")
			}
			_ = stream.Close(context.Background())
			sleepCtx(ctx, s.retry)
		}
	}()

	return docstore.SubscriptionFunc(func() {
		stopParent()
		cancel()
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func copyRaw(raw bson.Raw) bson.Raw {
	return append(bson.Raw(nil), raw...)
}
