// Package archive persists terminal jobs to MongoDB for observability
// beyond JobStore's in-memory terminal cap. It is not the durability
// story for queued work, only a best-effort record of finished jobs.
package archive

import (
	"context"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/loadbalancer/lbproxy/internal/jobstore"
)

const (
	terminalCollection = "completed_jobs"
	dispatchCollection = "jobs"
)

// Archive owns the Mongo connection used to record terminal jobs.
type Archive struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and pings the server to verify the connection
// before returning.
func Connect(uri, dbName string) (*Archive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	log.Println("archive: connected to mongo")
	return &Archive{client: client, db: client.Database(dbName)}, nil
}

// Disconnect closes the underlying connection.
func (a *Archive) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		log.Printf("archive: disconnect error: %v", err)
	}
}

// OnJobArchive is registered with jobstore.Store.OnArchive; it fires a
// best-effort async write and never surfaces failures to the caller.
func (a *Archive) OnJobArchive(j jobstore.Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		doc := bson.M{
			"jobId":        j.ID,
			"workerJobId":  j.WorkerJobID,
			"backend_name": j.WorkerName,
			"clientId":     j.ClientID,
			"number":       j.Number,
			"state":        string(j.State),
			"error":        j.Error,
			"retries":      j.Retries,
			"createdAt":    j.CreatedAt,
			"dispatchedAt": j.DispatchedAt,
			"completedAt":  j.CompletedAt,
		}

		_, err := a.db.Collection(terminalCollection).UpdateOne(
			ctx,
			bson.M{"jobId": j.ID},
			bson.M{"$set": doc},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			log.Printf("archive: failed to record terminal job %s: %v", j.ID, err)
		}
	}()
}

// ClearAll drops both the dispatch and terminal collections.
func (a *Archive) ClearAll(ctx context.Context) (cleared []string, errs []string) {
	for _, name := range []string{dispatchCollection, terminalCollection} {
		if err := a.db.Collection(name).Drop(ctx); err != nil {
			errs = append(errs, name+": "+err.Error())
			continue
		}
		cleared = append(cleared, name)
	}
	return cleared, errs
}

// CountTerminal reports the number of archived terminal jobs.
func (a *Archive) CountTerminal(ctx context.Context) (int64, error) {
	return a.db.Collection(terminalCollection).CountDocuments(ctx, bson.M{})
}
