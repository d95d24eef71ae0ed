package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/null-create/mdt-mcp/pkg/codec"
	"github.com/null-create/mdt-mcp/pkg/ticket"
)

const (
	ticketsCollection  = "tickets"
	countersCollection = "counters"
	auditCollection    = "invocations"
)

// InvocationRecord is one archived tool call.
type InvocationRecord struct {
	ID         string         `bson:"_id,omitempty" json:"id"`
	SessionID  string         `bson:"session" json:"session"`
	RequestID  string         `bson:"request" json:"request"`
	Tool       string         `bson:"tool" json:"tool"`
	Params     map[string]any `bson:"params,omitempty" json:"params,omitempty"`
	Outcome    string         `bson:"outcome" json:"outcome"`
	ErrorCode  int            `bson:"errorCode,omitempty" json:"errorCode,omitempty"`
	DurationMS int64          `bson:"durationMs" json:"durationMs"`
	Timestamp  time.Time      `bson:"timestamp" json:"timestamp"`
}

type counter struct {
	Code string `bson:"_id"`
	Seq  int    `bson:"seq"`
}

// MongoStore keeps tickets and the invocation archive in MongoDB.
type MongoStore struct {
	client   *mongo.Client
	tickets  *mongo.Collection
	counters *mongo.Collection
	audit    *mongo.Collection
}

var (
	_ ticket.Store   = (*MongoStore)(nil)
	_ codec.Recorder = (*MongoStore)(nil)
)

// NewMongoStore connects, pings and returns a MongoStore for dbName.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	// Ping to ensure the connection is live
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(dbName)
	store := &MongoStore{
		client:   client,
		tickets:  db.Collection(ticketsCollection),
		counters: db.Collection(countersCollection),
		audit:    db.Collection(auditCollection),
	}

	_, err = store.tickets.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "project", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create ticket index: %w", err)
	}
	return store, nil
}

func (ms *MongoStore) ListProjects(ctx context.Context) ([]ticket.Project, error) {
	cur, err := ms.counters.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	var counters []counter
	if err := cur.All(ctx, &counters); err != nil {
		return nil, err
	}

	cur, err = ms.tickets.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$project"},
			{Key: "tickets", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	var grouped []ticket.Project
	if err := cur.All(ctx, &grouped); err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(counters))
	for _, c := range counters {
		counts[c.Code] = 0
	}
	for _, p := range grouped {
		counts[p.Code] = p.Tickets
	}
	out := make([]ticket.Project, 0, len(counts))
	for code, n := range counts {
		out = append(out, ticket.Project{Code: code, Tickets: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (ms *MongoStore) List(ctx context.Context, project string, f ticket.Filter) ([]ticket.Ticket, error) {
	code, err := ticket.NormalizeCode(project)
	if err != nil {
		return nil, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetProjection(bson.M{"content": 0})
	cur, err := ms.tickets.Find(ctx, bson.M{"project": code}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []ticket.Ticket
	for cur.Next(ctx) {
		var t ticket.Ticket
		if err := cur.Decode(&t); err != nil {
			return nil, err
		}
		if f.Match(t) {
			out = append(out, t)
		}
	}
	return out, cur.Err()
}

func (ms *MongoStore) Get(ctx context.Context, key string) (ticket.Ticket, error) {
	_, key, err := ticket.NormalizeKey(key)
	if err != nil {
		return ticket.Ticket{}, err
	}
	var t ticket.Ticket
	err = ms.tickets.FindOne(ctx, bson.M{"_id": key}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ticket.Ticket{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, key)
	}
	return t, err
}

// nextNumber atomically allocates the next ticket number for a project.
func (ms *MongoStore) nextNumber(ctx context.Context, code string) (int, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var c counter
	err := ms.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": code},
		bson.M{"$inc": bson.M{"seq": 1}},
		opts,
	).Decode(&c)
	return c.Seq, err
}

func (ms *MongoStore) Create(ctx context.Context, nt ticket.NewTicket) (ticket.Ticket, error) {
	code, err := ticket.NormalizeCode(nt.Project)
	if err != nil {
		return ticket.Ticket{}, err
	}
	n, err := ms.nextNumber(ctx, code)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("allocate ticket number: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	t := ticket.Ticket{
		Key:       ticket.FormatKey(code, n),
		Project:   code,
		Title:     nt.Title,
		Type:      nt.Type,
		Priority:  nt.Priority,
		Status:    ticket.StatusProposed,
		Content:   nt.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := ms.tickets.InsertOne(ctx, t); err != nil {
		return ticket.Ticket{}, err
	}
	return t, nil
}

func (ms *MongoStore) UpdateStatus(ctx context.Context, key, status string) (ticket.Ticket, error) {
	if !ticket.ValidStatus(status) {
		return ticket.Ticket{}, fmt.Errorf("%w: %q", ticket.ErrInvalidStatus, status)
	}
	_, key, err := ticket.NormalizeKey(key)
	if err != nil {
		return ticket.Ticket{}, err
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var t ticket.Ticket
	err = ms.tickets.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"status": status, "updatedAt": time.Now().UTC()}},
		opts,
	).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ticket.Ticket{}, fmt.Errorf("%w: %s", ticket.ErrNotFound, key)
	}
	return t, err
}

func (ms *MongoStore) Delete(ctx context.Context, key string) error {
	_, key, err := ticket.NormalizeKey(key)
	if err != nil {
		return err
	}
	res, err := ms.tickets.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ticket.ErrNotFound, key)
	}
	return nil
}

// Record archives a tool invocation. It implements codec.Recorder.
func (ms *MongoStore) Record(ctx context.Context, inv codec.Invocation) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rec := InvocationRecord{
		ID:         uuid.NewString(),
		SessionID:  inv.SessionID,
		RequestID:  inv.RequestID,
		Tool:       inv.Tool,
		Outcome:    inv.Outcome,
		ErrorCode:  inv.ErrorCode,
		DurationMS: inv.Duration.Milliseconds(),
		Timestamp:  inv.StartedAt.UTC(),
	}
	if len(inv.Params) > 0 {
		// params that are not an object are archived without them
		_ = json.Unmarshal(inv.Params, &rec.Params)
	}
	_, err := ms.audit.InsertOne(ctx, rec)
	return err
}

// FindInvocationsByTool retrieves archived calls of one tool, oldest first.
func (ms *MongoStore) FindInvocationsByTool(ctx context.Context, tool string) ([]InvocationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := ms.audit.Find(ctx, bson.M{"tool": tool}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []InvocationRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Close disconnects the MongoDB client
func (ms *MongoStore) Close(ctx context.Context) error {
	return ms.client.Disconnect(ctx)
}
