package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures the Firestore store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// Collection defaults to "hitl_checkpoints".
	Collection string `yaml:"collection"`
}

// FirestoreStore keeps one document per thread. Save runs in a Firestore
// transaction, which aborts and retries on contention; the version check
// inside it turns a lost race into ErrVersionConflict.
type FirestoreStore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	mu     sync.RWMutex
	closed bool
}

// firestoreDocument is the stored form. The checkpoint itself is kept as
// encoded JSON because tool payloads are arbitrary maps.
type firestoreDocument struct {
	ThreadID  string    `firestore:"thread_id"`
	Version   int64     `firestore:"version"`
	State     string    `firestore:"state"`
	Data      string    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStore connects using the given credentials file, or
// Application Default Credentials when none is set.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client, cfg.Collection), nil
}

// NewFirestoreStoreFromClient wraps an existing client.
func NewFirestoreStoreFromClient(client *firestore.Client, collection string) *FirestoreStore {
	if collection == "" {
		collection = "hitl_checkpoints"
	}
	return &FirestoreStore{client: client, coll: client.Collection(collection)}
}

func (s *FirestoreStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Load returns the checkpoint of a thread.
func (s *FirestoreStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	snap, err := s.coll.Doc(threadID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", threadID, err)
	}
	return decodeFirestore(snap)
}

func decodeFirestore(snap *firestore.DocumentSnapshot) (*Checkpoint, error) {
	var doc firestoreDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", snap.Ref.ID, err)
	}
	return decode([]byte(doc.Data))
}

// Save writes cp if its version is current.
func (s *FirestoreStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	next, data, err := prepare(cp, now())
	if err != nil {
		return err
	}
	ref := s.coll.Doc(cp.ThreadID)

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var stored int64
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var doc firestoreDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("failed to unmarshal document %s: %w", ref.ID, err)
			}
			stored = doc.Version
		case status.Code(err) != codes.NotFound:
			return err
		}
		if stored != cp.Version {
			return ErrVersionConflict
		}
		return tx.Set(ref, firestoreDocument{
			ThreadID:  next.ThreadID,
			Version:   next.Version,
			State:     string(next.State),
			Data:      string(data),
			UpdatedAt: next.UpdatedAt,
		})
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return ErrVersionConflict
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}

	commit(cp, next)
	return nil
}

// List returns summaries of all checkpoints.
func (s *FirestoreStore) List(ctx context.Context) ([]Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	iter := s.coll.OrderBy("updated_at", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	out := []Summary{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
		}
		cp, err := decodeFirestore(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, cp.Summarize())
	}
	sortSummaries(out)
	return out, nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
