package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"greendrake/tuition/internal/billing"
	"greendrake/tuition/internal/models"
)

// Clock returns the current time. Services take one so tests can pin "now".
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// ZonedClock is the wall clock in loc. Calendar dates (on time, late, overdue) are read in the zone of the
// time they are derived from, so services run on the clock of the billing time zone.
func ZonedClock(loc *time.Location) Clock {
	return func() time.Time { return time.Now().In(loc) }
}

// maxTransitionAttempts bounds how often a transition is retried after losing a race on the status.
const maxTransitionAttempts = 3

// Page limits a list query.
type Page struct {
	Limit int64
	Skip  int64
}

func (p Page) options(defaultLimit, maxLimit int64) *options.FindOptions {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	opts := options.Find().SetLimit(limit)
	if p.Skip > 0 {
		opts.SetSkip(p.Skip)
	}
	return opts
}

// inSchool scopes a filter to one tenant. Lookups across tenants therefore miss and surface as not found.
func inSchool(schoolID, id primitive.ObjectID) bson.M {
	return bson.M{"_id": id, "school_id": schoolID}
}

// findOne decodes the single document matching filter into T, translating a miss into billing.ErrNotFound.
func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, what string) (*T, error) {
	var out T
	err := coll.FindOne(ctx, filter).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", what, billing.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	return &out, nil
}

// findMany decodes every document matching filter.
func findMany[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts ...*options.FindOptions) ([]T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	out := []T{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
	}
	return out, nil
}

// updateAndReturn applies update to the document matching filter and returns it after the update.
func updateAndReturn[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, update bson.M, what string) (*T, error) {
	var out T
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", what, billing.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update %s: %w", what, err)
	}
	return &out, nil
}

type statusDoc struct {
	Status billing.Status `bson:"status"`
}

// transition moves one invoice or payment through the status machine. The write is conditional on the
// status it was computed from, so concurrent writers cannot both win; the loser re-reads and either
// re-applies the event from the new state or fails with a *billing.TransitionError. set carries extra
// fields written together with the status.
func transition(ctx context.Context, coll *mongo.Collection, filter bson.M, event billing.Event, reason string, set bson.M, now time.Time) (billing.Status, billing.Status, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		var cur statusDoc
		if err := coll.FindOne(ctx, filter).Decode(&cur); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return "", "", billing.ErrNotFound
			}
			return "", "", fmt.Errorf("failed to read status: %w", err)
		}
		to, err := billing.Transition(cur.Status, event)
		if err != nil {
			return cur.Status, cur.Status, err
		}

		fields := bson.M{"status": to, "updated_at": now}
		for k, v := range set {
			fields[k] = v
		}
		cond := bson.M{"status": cur.Status}
		for k, v := range filter {
			cond[k] = v
		}
		res, err := coll.UpdateOne(ctx, cond, bson.M{
			"$set": fields,
			"$push": bson.M{"status_history": models.StatusChange{
				From: cur.Status, To: to, Event: event, At: now, Reason: reason,
			}},
		})
		if err != nil {
			return cur.Status, cur.Status, fmt.Errorf("failed to apply %s: %w", event, err)
		}
		if res.MatchedCount == 1 {
			return cur.Status, to, nil
		}
		// Status changed under us; evaluate the event again from the new state.
	}
	return "", "", fmt.Errorf("status kept changing while applying %s: %w", event, billing.ErrInvalidTransition)
}
