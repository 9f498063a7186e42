package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emilythestrangee/vote-ledger/backend/internal/models"
)

type voteDoc struct {
	User primitive.ObjectID `bson:"user"`
	Post primitive.ObjectID `bson:"post"`
}

type userDoc struct {
	ID            primitive.ObjectID   `bson:"_id"`
	Username      string               `bson:"username"`
	UsernameLower string               `bson:"username_lower"`
	PasswordHash  string               `bson:"password_hash"`
	Email         string               `bson:"email"`
	Gender        *models.Gender       `bson:"gender,omitempty"`
	Birthday      time.Time            `bson:"birthday"`
	PostIDs       []primitive.ObjectID `bson:"posts"`
	Upvotes       []voteDoc            `bson:"upvotes"`
	Downvotes     []voteDoc            `bson:"downvotes"`
	CreatedAt     time.Time            `bson:"created_at"`
}

type postDoc struct {
	ID        primitive.ObjectID `bson:"_id"`
	PosterID  primitive.ObjectID `bson:"poster"`
	Body      string             `bson:"body"`
	PostedAt  time.Time          `bson:"posted_at"`
	Up        int                `bson:"up"`
	Down      int                `bson:"down"`
	Upvotes   []voteDoc          `bson:"upvotes"`
	Downvotes []voteDoc          `bson:"downvotes"`
}

// Mongo stores users and posts as documents with embedded vote lists, the
// layout the vote ledger was designed around.
type Mongo struct {
	client *mongo.Client
	users  *mongo.Collection
	posts  *mongo.Collection
}

// NewMongo binds to dbName and makes sure the username index exists.
func NewMongo(ctx context.Context, client *mongo.Client, dbName string) (*Mongo, error) {
	db := client.Database(dbName)
	m := &Mongo{
		client: client,
		users:  db.Collection(string(Users)),
		posts:  db.Collection(string(Posts)),
	}
	_, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username_lower", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create username index: %w", err)
	}
	_, err = m.posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "poster", Value: 1}, {Key: "posted_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("create poster index: %w", err)
	}
	return m, nil
}

func (m *Mongo) NewID() string { return primitive.NewObjectID().Hex() }

// NormalizeID accepts bare hex in any case and the ObjectId("...") shell form.
func (m *Mongo) NormalizeID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "ObjectId(")
	s = strings.TrimSuffix(s, ")")
	s = strings.Trim(s, `"'`)
	oid, err := primitive.ObjectIDFromHex(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: id %q", ErrNotFound, raw)
	}
	return oid.Hex(), nil
}

func toOID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}
	return oid, nil
}

func toOIDs(ids []string) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			out = append(out, oid)
		}
	}
	return out
}

func fromVoteDocs(docs []voteDoc) models.VoteList {
	if docs == nil {
		return nil
	}
	out := make(models.VoteList, len(docs))
	for i, d := range docs {
		out[i] = models.VoteRecord{User: d.User.Hex(), Post: d.Post.Hex()}
	}
	return out
}

func toVoteDocs(list models.VoteList) ([]voteDoc, error) {
	out := make([]voteDoc, len(list))
	for i, v := range list {
		d, err := toVoteDoc(v)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func toVoteDoc(v models.VoteRecord) (voteDoc, error) {
	u, err := toOID(v.User)
	if err != nil {
		return voteDoc{}, err
	}
	p, err := toOID(v.Post)
	if err != nil {
		return voteDoc{}, err
	}
	return voteDoc{User: u, Post: p}, nil
}

func (d userDoc) model() models.User {
	u := models.User{
		ID:            d.ID.Hex(),
		Username:      d.Username,
		UsernameLower: d.UsernameLower,
		PasswordHash:  d.PasswordHash,
		Email:         d.Email,
		Gender:        d.Gender,
		Birthday:      d.Birthday,
		Upvotes:       fromVoteDocs(d.Upvotes),
		Downvotes:     fromVoteDocs(d.Downvotes),
		CreatedAt:     d.CreatedAt,
	}
	if d.PostIDs != nil {
		u.PostIDs = make([]string, len(d.PostIDs))
		for i, id := range d.PostIDs {
			u.PostIDs[i] = id.Hex()
		}
	}
	return u
}

func (d postDoc) model() models.Post {
	return models.Post{
		ID:        d.ID.Hex(),
		PosterID:  d.PosterID.Hex(),
		Body:      d.Body,
		PostedAt:  d.PostedAt,
		Up:        d.Up,
		Down:      d.Down,
		Upvotes:   fromVoteDocs(d.Upvotes),
		Downvotes: fromVoteDocs(d.Downvotes),
	}
}

func (m *Mongo) FindUsers(ctx context.Context, ids []string, proj Projection) ([]models.User, error) {
	oids := toOIDs(ids)
	if len(oids) == 0 {
		return nil, nil
	}
	opts := options.Find()
	if proj == ProjectProfile {
		opts.SetProjection(bson.M{"posts": 0, "upvotes": 0, "downvotes": 0})
	}
	cur, err := m.users.Find(ctx, bson.M{"_id": bson.M{"$in": oids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	users := make([]models.User, len(docs))
	for i, d := range docs {
		users[i] = d.model()
	}
	return users, nil
}

func (m *Mongo) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var d userDoc
	err := m.users.FindOne(ctx, bson.M{"username_lower": strings.ToLower(username)}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by username: %w", err)
	}
	u := d.model()
	return &u, nil
}

func (m *Mongo) InsertUser(ctx context.Context, u *models.User) error {
	if u.ID == "" {
		u.ID = m.NewID()
	}
	oid, err := toOID(u.ID)
	if err != nil {
		return err
	}
	u.UsernameLower = strings.ToLower(u.Username)
	up, err := toVoteDocs(u.Upvotes)
	if err != nil {
		return err
	}
	down, err := toVoteDocs(u.Downvotes)
	if err != nil {
		return err
	}
	doc := userDoc{
		ID:            oid,
		Username:      u.Username,
		UsernameLower: u.UsernameLower,
		PasswordHash:  u.PasswordHash,
		Email:         u.Email,
		Gender:        u.Gender,
		Birthday:      u.Birthday,
		PostIDs:       toOIDs(u.PostIDs),
		Upvotes:       up,
		Downvotes:     down,
		CreatedAt:     u.CreatedAt,
	}
	if _, err := m.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (m *Mongo) FindPosts(ctx context.Context, ids []string) ([]models.Post, error) {
	oids := toOIDs(ids)
	if len(oids) == 0 {
		return nil, nil
	}
	return m.findPosts(ctx, bson.M{"_id": bson.M{"$in": oids}}, options.Find())
}

func (m *Mongo) findPosts(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Post, error) {
	cur, err := m.posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find posts: %w", err)
	}
	var docs []postDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	posts := make([]models.Post, len(docs))
	for i, d := range docs {
		posts[i] = d.model()
	}
	return posts, nil
}

func postFilter(q PostQuery) bson.M {
	filter := bson.M{}
	if q.PosterID != "" {
		oid, err := primitive.ObjectIDFromHex(q.PosterID)
		if err != nil {
			// matches nothing
			oid = primitive.NilObjectID
		}
		filter["poster"] = oid
	}
	return filter
}

func (m *Mongo) ListPosts(ctx context.Context, q PostQuery) ([]models.Post, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "posted_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(max(q.Offset, 0))).
		SetLimit(int64(clampLimit(q.Limit)))
	return m.findPosts(ctx, postFilter(q), opts)
}

func (m *Mongo) CountPosts(ctx context.Context, q PostQuery) (int64, error) {
	n, err := m.posts.CountDocuments(ctx, postFilter(q))
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

func (m *Mongo) InsertPost(ctx context.Context, p *models.Post) error {
	if p.ID == "" {
		p.ID = m.NewID()
	}
	oid, err := toOID(p.ID)
	if err != nil {
		return err
	}
	poster, err := toOID(p.PosterID)
	if err != nil {
		return err
	}
	up, err := toVoteDocs(p.Upvotes)
	if err != nil {
		return err
	}
	down, err := toVoteDocs(p.Downvotes)
	if err != nil {
		return err
	}
	doc := postDoc{
		ID:        oid,
		PosterID:  poster,
		Body:      p.Body,
		PostedAt:  p.PostedAt,
		Up:        p.Up,
		Down:      p.Down,
		Upvotes:   up,
		Downvotes: down,
	}
	if _, err := m.posts.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// arrayOf reads field as an array, treating a missing field as empty.
func arrayOf(field string) bson.D {
	return bson.D{{Key: "$ifNull", Value: bson.A{"$" + field, bson.A{}}}}
}

// mongoStage compiles one op into a $set stage of an update pipeline.
func mongoStage(op Op) (bson.D, error) {
	var set bson.D
	switch op.Kind {
	case OpPull:
		oid, err := toOID(op.Value)
		if err != nil {
			return nil, err
		}
		set = bson.D{{Key: op.List, Value: bson.D{{Key: "$filter", Value: bson.D{
			{Key: "input", Value: arrayOf(op.List)},
			{Key: "as", Value: "v"},
			{Key: "cond", Value: bson.D{{Key: "$ne", Value: bson.A{"$$v." + op.Match, oid}}}},
		}}}}}
	case OpPush:
		d, err := toVoteDoc(op.Record)
		if err != nil {
			return nil, err
		}
		rec := bson.D{{Key: MatchUser, Value: d.User}, {Key: MatchPost, Value: d.Post}}
		set = bson.D{{Key: op.List, Value: bson.D{{Key: "$concatArrays", Value: bson.A{arrayOf(op.List), bson.A{rec}}}}}}
	case OpInc:
		set = bson.D{{Key: op.Counter, Value: bson.D{{Key: "$add", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$" + op.Counter, 0}}}, op.Delta,
		}}}}}
	case OpSyncCounters:
		set = bson.D{
			{Key: models.FieldUp, Value: bson.D{{Key: "$size", Value: arrayOf(models.FieldUpvotes)}}},
			{Key: models.FieldDown, Value: bson.D{{Key: "$size", Value: arrayOf(models.FieldDownvotes)}}},
		}
	case OpAppendPostID:
		oid, err := toOID(op.Value)
		if err != nil {
			return nil, err
		}
		set = bson.D{{Key: "posts", Value: bson.D{{Key: "$concatArrays", Value: bson.A{arrayOf("posts"), bson.A{oid}}}}}}
	default:
		return nil, ErrInvalidOp
	}
	return bson.D{{Key: "$set", Value: set}}, nil
}

// mongoPipeline compiles an ordered batch into one update pipeline so the
// whole batch lands on the document atomically or not at all.
func mongoPipeline(ops []Op) (mongo.Pipeline, error) {
	pipeline := make(mongo.Pipeline, 0, len(ops))
	for _, op := range ops {
		stage, err := mongoStage(op)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, stage)
	}
	return pipeline, nil
}

func (m *Mongo) collection(coll Collection) *mongo.Collection {
	if coll == Users {
		return m.users
	}
	return m.posts
}

func (m *Mongo) BulkWrite(ctx context.Context, coll Collection, id string, ops []Op) error {
	if err := validateOps(coll, ops); err != nil {
		return err
	}
	oid, err := toOID(id)
	if err != nil {
		return err
	}
	c := m.collection(coll)
	if len(ops) == 0 {
		n, err := c.CountDocuments(ctx, bson.M{"_id": oid})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	}

	pipeline, err := mongoPipeline(ops)
	if err != nil {
		return err
	}
	res, err := c.UpdateOne(ctx, bson.M{"_id": oid}, pipeline)
	if err != nil {
		return fmt.Errorf("bulk write %s %s: %w", coll, id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) FindDriftedPosts(ctx context.Context, limit int) ([]string, error) {
	filter := bson.M{"$expr": bson.M{"$or": bson.A{
		bson.M{"$ne": bson.A{"$up", bson.M{"$size": "$upvotes"}}},
		bson.M{"$ne": bson.A{"$down", bson.M{"$size": "$downvotes"}}},
	}}}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find drifted posts: %w", err)
	}
	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID.Hex()
	}
	return ids, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
