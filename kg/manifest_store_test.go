package kg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func runManifestStoreTests(t *testing.T, newStore func(t *testing.T) ManifestStore) {
	t.Helper()
	ctx := context.Background()
	graphID := "test-graph"

	sample := SnapshotManifest{
		GraphID: graphID,
		Snapshots: []SnapshotRef{{
			ID:        "s1",
			Key:       snapshotKey(graphID, "s1"),
			Nodes:     3,
			Edges:     2,
			SizeBytes: 128,
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}},
	}

	tests := []struct {
		name string
		run  func(t *testing.T, s ManifestStore)
	}{
		{
			name: "get_missing",
			run: func(t *testing.T, s ManifestStore) {
				_, err := s.Get(ctx, graphID)
				require.ErrorIs(t, err, ErrManifestNotFound)

				version, err := s.HeadVersion(ctx, graphID)
				require.NoError(t, err)
				assert.Empty(t, version)
			},
		},
		{
			name: "create_then_get",
			run: func(t *testing.T, s ManifestStore) {
				version, err := s.UpsertIfMatch(ctx, graphID, sample, "")
				require.NoError(t, err)
				require.NotEmpty(t, version)

				doc, err := s.Get(ctx, graphID)
				require.NoError(t, err)
				assert.Equal(t, version, doc.Version)
				assert.Equal(t, graphID, doc.Manifest.GraphID)
				latest, ok := doc.Manifest.Latest()
				require.True(t, ok)
				assert.Equal(t, "s1", latest.ID)

				head, err := s.HeadVersion(ctx, graphID)
				require.NoError(t, err)
				assert.Equal(t, version, head)
			},
		},
		{
			name: "create_twice_conflicts",
			run: func(t *testing.T, s ManifestStore) {
				_, err := s.UpsertIfMatch(ctx, graphID, sample, "")
				require.NoError(t, err)
				_, err = s.UpsertIfMatch(ctx, graphID, sample, "")
				require.ErrorIs(t, err, ErrBlobVersionMismatch)
			},
		},
		{
			name: "stale_version_conflicts",
			run: func(t *testing.T, s ManifestStore) {
				v1, err := s.UpsertIfMatch(ctx, graphID, sample, "")
				require.NoError(t, err)

				updated := sample
				updated.Snapshots = append([]SnapshotRef{{ID: "s2", Key: snapshotKey(graphID, "s2")}}, sample.Snapshots...)
				v2, err := s.UpsertIfMatch(ctx, graphID, updated, v1)
				require.NoError(t, err)
				assert.NotEqual(t, v1, v2)

				_, err = s.UpsertIfMatch(ctx, graphID, sample, v1)
				require.ErrorIs(t, err, ErrBlobVersionMismatch)

				doc, err := s.Get(ctx, graphID)
				require.NoError(t, err)
				assert.Len(t, doc.Manifest.Snapshots, 2)
			},
		},
		{
			name: "delete",
			run: func(t *testing.T, s ManifestStore) {
				require.NoError(t, s.Delete(ctx, graphID))
				_, err := s.UpsertIfMatch(ctx, graphID, sample, "")
				require.NoError(t, err)
				require.NoError(t, s.Delete(ctx, graphID))
				_, err = s.Get(ctx, graphID)
				require.ErrorIs(t, err, ErrManifestNotFound)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStore(t))
		})
	}
}

func TestBlobManifestStore(t *testing.T) {
	runManifestStoreTests(t, func(t *testing.T) ManifestStore {
		return &BlobManifestStore{Store: NewLocalBlobStore(t.TempDir())}
	})
}

func TestMongoManifestStore(t *testing.T) {
	runManifestStoreTests(t, func(t *testing.T) ManifestStore {
		return newTestMongoManifestStore(t)
	})
}

func newTestMongoManifestStore(t *testing.T) *MongoManifestStore {
	t.Helper()

	uri := os.Getenv("GRAGENG_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("GRAGENG_TEST_MONGO_URI not set; skipping Mongo integration test")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx, nil))

	coll := client.Database("grageng_test").Collection("manifests_" + t.Name())
	_ = coll.Drop(ctx)
	t.Cleanup(func() {
		_ = coll.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return NewMongoManifestStore(coll)
}
