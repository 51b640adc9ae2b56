package kg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoManifestDoc struct {
	ID        string           `bson:"_id"`
	Version   string           `bson:"version"`
	Manifest  SnapshotManifest `bson:"manifest"`
	UpdatedAt time.Time        `bson:"updated_at"`
}

// MongoManifestStore keeps one document per graph id, versioned with a fresh
// uuid on every write. The caller owns the client lifecycle.
type MongoManifestStore struct {
	Collection *mongo.Collection
}

func NewMongoManifestStore(collection *mongo.Collection) *MongoManifestStore {
	return &MongoManifestStore{Collection: collection}
}

func (s *MongoManifestStore) Get(ctx context.Context, graphID string) (*ManifestDocument, error) {
	var doc mongoManifestDoc
	err := s.Collection.FindOne(ctx, bson.M{"_id": graphID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: graph %s", ErrManifestNotFound, graphID)
		}
		return nil, fmt.Errorf("find manifest for %s: %w", graphID, err)
	}
	return &ManifestDocument{Manifest: doc.Manifest, Version: doc.Version}, nil
}

func (s *MongoManifestStore) HeadVersion(ctx context.Context, graphID string) (string, error) {
	var doc struct {
		Version string `bson:"version"`
	}
	err := s.Collection.FindOne(ctx, bson.M{"_id": graphID},
		options.FindOne().SetProjection(bson.M{"version": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("find manifest version for %s: %w", graphID, err)
	}
	return doc.Version, nil
}

// UpsertIfMatch inserts when expectedVersion is empty, relying on the _id
// unique index to reject a second creator, and otherwise replaces only the
// document whose version still matches.
func (s *MongoManifestStore) UpsertIfMatch(ctx context.Context, graphID string, manifest SnapshotManifest, expectedVersion string) (string, error) {
	doc := mongoManifestDoc{
		ID:        graphID,
		Version:   uuid.NewString(),
		Manifest:  manifest,
		UpdatedAt: time.Now().UTC(),
	}

	if expectedVersion == "" {
		if _, err := s.Collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", fmt.Errorf("%w: manifest for %s already exists", ErrBlobVersionMismatch, graphID)
			}
			return "", fmt.Errorf("insert manifest for %s: %w", graphID, err)
		}
		return doc.Version, nil
	}

	res, err := s.Collection.ReplaceOne(ctx, bson.M{"_id": graphID, "version": expectedVersion}, doc)
	if err != nil {
		return "", fmt.Errorf("replace manifest for %s: %w", graphID, err)
	}
	if res.MatchedCount == 0 {
		return "", fmt.Errorf("%w: manifest for %s changed", ErrBlobVersionMismatch, graphID)
	}
	return doc.Version, nil
}

func (s *MongoManifestStore) Delete(ctx context.Context, graphID string) error {
	if _, err := s.Collection.DeleteOne(ctx, bson.M{"_id": graphID}); err != nil {
		return fmt.Errorf("delete manifest for %s: %w", graphID, err)
	}
	return nil
}
