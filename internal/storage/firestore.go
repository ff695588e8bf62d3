package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dgellow/gatekeep/internal/log"
)

// DefaultFirestoreCollection holds session documents
const DefaultFirestoreCollection = "gatekeep_sessions"

// maxBatchSize is the Firestore batch write limit
const maxBatchSize = 500

var _ Store = (*FirestoreStore)(nil)

// FirestoreStore keeps one document per session, keyed by session id.
// Expired documents stay until CleanupExpiredSessions deletes them; reads
// treat them as missing.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore creates a new Firestore-backed store
func NewFirestoreStore(ctx context.Context, projectID, database, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		collection = DefaultFirestoreCollection
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Session store ready", map[string]any{
		"project":    projectID,
		"collection": collection,
	})
	return &FirestoreStore{client: client, collection: collection, now: time.Now}, nil
}

func (s *FirestoreStore) doc(sessionID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(sessionID)
}

func (s *FirestoreStore) CreateSession(ctx context.Context, session *Session) error {
	if err := session.validate(s.now()); err != nil {
		return err
	}
	_, err := s.doc(session.ID).Create(ctx, session)
	if status.Code(err) == codes.AlreadyExists {
		return ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	snap, err := s.doc(sessionID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sess Session
	if err := snap.DataTo(&sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *FirestoreStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.doc(sessionID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	iter := s.client.Collection(s.collection).Where("user_id", "==", userID).Documents(ctx)
	return s.deleteAll(ctx, iter)
}

func (s *FirestoreStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).Where("expires_at", "<=", s.now()).Documents(ctx)
	count, err := s.deleteAll(ctx, iter)
	if count > 0 {
		log.LogInfoWithFields("firestore", "Cleaned up expired sessions", map[string]any{
			"count": count,
		})
	}
	return count, err
}

// deleteAll deletes every document iter yields, in batches
func (s *FirestoreStore) deleteAll(ctx context.Context, iter *firestore.DocumentIterator) (int, error) {
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate sessions: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}
	return count, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
