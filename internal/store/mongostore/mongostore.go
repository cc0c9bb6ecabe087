// Package mongostore is a PersistenceDriver backed by MongoDB, the
// document-store counterpart to sqlstore's relational backend — both
// implement the exact same narrow blob contract behind
// chatstate.PersistenceDriver, following the teacher's one-interface/
// many-adapters convention.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/replikit/chatcluster/internal/chatstate"
)

const opTimeout = 10 * time.Second

// Driver persists snapshots as documents in a "snapshots" collection,
// keyed by {replica_id, kind}.
type Driver struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects to a MongoDB deployment at uri and selects dbName's
// "snapshots" collection.
func Open(uri, dbName string) (*Driver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return &Driver{client: client, coll: client.Database(dbName).Collection("snapshots")}, nil
}

// Close disconnects from MongoDB.
func (d *Driver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return d.client.Disconnect(ctx)
}

type blobDoc struct {
	ReplicaID string      `bson:"replica_id"`
	Kind      string      `bson:"kind"`
	Payload   interface{} `bson:"payload"`
}

func (d *Driver) putBlob(ctx context.Context, replicaID, kind string, payload interface{}) error {
	filter := bson.M{"replica_id": replicaID, "kind": kind}
	update := bson.M{"$set": blobDoc{ReplicaID: replicaID, Kind: kind, Payload: payload}}
	_, err := d.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// rawBlobDoc decodes only the payload field, as a raw BSON value rather
// than a document: payload is a slice for the users/messages blobs, and
// bson.Marshal (unlike RawValue.Unmarshal) rejects a top-level array.
type rawBlobDoc struct {
	Payload bson.RawValue `bson:"payload"`
}

func (d *Driver) getBlob(ctx context.Context, replicaID, kind string, out interface{}) (bool, error) {
	var doc rawBlobDoc
	err := d.coll.FindOne(ctx, bson.M{"replica_id": replicaID, "kind": kind}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, doc.Payload.Unmarshal(out)
}

// Save writes all three blobs for replicaID.
func (d *Driver) Save(replicaID string, snap chatstate.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := d.putBlob(ctx, replicaID, "users", snap.Users); err != nil {
		return err
	}
	if err := d.putBlob(ctx, replicaID, "messages", snap.Messages); err != nil {
		return err
	}
	return d.putBlob(ctx, replicaID, "settings", snap.Settings)
}

// Load reads all three blobs back for replicaID.
func (d *Driver) Load(replicaID string) (chatstate.Snapshot, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var snap chatstate.Snapshot
	found, err := d.getBlob(ctx, replicaID, "users", &snap.Users)
	if err != nil || !found {
		return chatstate.Snapshot{}, found, err
	}
	if _, err := d.getBlob(ctx, replicaID, "messages", &snap.Messages); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	if _, err := d.getBlob(ctx, replicaID, "settings", &snap.Settings); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	return snap, true, nil
}
