package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livetemplate/kbase"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoStore keeps one document per page with a unique index on slug.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
	now    func() time.Time
}

// mongoPage is the stored document shape.
type mongoPage struct {
	ID        string              `bson:"_id"`
	Slug      string              `bson:"slug"`
	Title     string              `bson:"title"`
	Summary   string              `bson:"summary"`
	Category  string              `bson:"category"`
	Tags      []string            `bson:"tags"`
	Blocks    []kbase.BlockRecord `bson:"blocks,omitempty"`
	Published bool                `bson:"published"`
	CreatedAt time.Time           `bson:"created_at"`
	UpdatedAt time.Time           `bson:"updated_at"`
}

// OpenMongo connects to uri and ensures the slug index exists.
// An empty database name falls back to "kbase".
func OpenMongo(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if database == "" {
		database = "kbase"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("slug_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create slug index: %w", err)
	}

	logger.Info("connected to mongo", zap.String("database", database), zap.String("collection", collection))
	return &MongoStore{client: client, coll: coll, logger: logger, now: clock}, nil
}

func (s *MongoStore) List(ctx context.Context, includeUnpublished bool) ([]kbase.PageDocument, error) {
	filter := bson.D{}
	if !includeUnpublished {
		filter = bson.D{{Key: "published", Value: true}}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "slug", Value: 1}}).
		SetProjection(bson.D{{Key: "blocks", Value: 0}})

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var docs []mongoPage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	pages := make([]kbase.PageDocument, 0, len(docs))
	for _, d := range docs {
		p, err := d.toPage()
		if err != nil {
			return nil, err
		}
		pages = append(pages, p.Listing())
	}
	return pages, nil
}

func (s *MongoStore) Get(ctx context.Context, slug string) (*kbase.PageDocument, error) {
	var d mongoPage
	err := s.coll.FindOne(ctx, bson.D{{Key: "slug", Value: slug}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, kbase.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	p, err := d.toPage()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoStore) Create(ctx context.Context, doc kbase.PageDocument) (*kbase.PageDocument, error) {
	created, err := prepareCreate(doc, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.coll.InsertOne(ctx, fromPage(created)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &kbase.ConflictError{Slug: created.Slug}
		}
		return nil, fmt.Errorf("create page: %w", err)
	}
	s.logger.Info("page created", zap.String("slug", created.Slug), zap.String("id", created.ID))
	return &created, nil
}

func (s *MongoStore) Update(ctx context.Context, slug string, patch kbase.PagePatch) (*kbase.PageDocument, error) {
	existing, err := s.Get(ctx, slug)
	if err != nil {
		return nil, err
	}
	updated, err := applyPatch(*existing, patch, s.now())
	if err != nil {
		return nil, err
	}

	res, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: updated.ID}}, fromPage(updated))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &kbase.ConflictError{Slug: updated.Slug}
		}
		return nil, fmt.Errorf("update page: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, kbase.ErrNotFound
	}
	return &updated, nil
}

func (s *MongoStore) Delete(ctx context.Context, slug string) error {
	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "slug", Value: slug}})
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	if res.DeletedCount == 0 {
		return kbase.ErrNotFound
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func fromPage(p kbase.PageDocument) mongoPage {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return mongoPage{
		ID:        p.ID,
		Slug:      p.Slug,
		Title:     p.Title,
		Summary:   p.Summary,
		Category:  string(p.Category),
		Tags:      tags,
		Blocks:    kbase.ToRecords(p.Blocks),
		Published: p.Published,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (d mongoPage) toPage() (kbase.PageDocument, error) {
	p := kbase.PageDocument{
		ID:        d.ID,
		Slug:      d.Slug,
		Title:     d.Title,
		Summary:   d.Summary,
		Category:  kbase.Category(d.Category),
		Tags:      d.Tags,
		Published: d.Published,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if d.Blocks != nil {
		blocks, err := kbase.DecodeBlocks(d.Blocks)
		if err != nil {
			return p, fmt.Errorf("decode blocks of %s: %w", d.Slug, err)
		}
		p.Blocks = blocks
	}
	return p, nil
}
