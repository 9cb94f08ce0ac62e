package storage

import (
	"fmt"
	"time"

	"riderlink/internal/models"
	"riderlink/internal/session"

	"go.etcd.io/bbolt"
)

var (
	bucketSession = []byte("session")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveSession replaces the stored session.
func (s *BboltStorage) SaveSession(sess session.Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		dbSession := &DBSession{
			UserID:  sess.UserID,
			Role:    string(sess.Role),
			Token:   sess.Token,
			SavedAt: s.now().Unix(),
		}
		if !sess.ExpiresAt.IsZero() {
			dbSession.ExpiresAt = sess.ExpiresAt.Unix()
		}

		data, err := dbSession.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return b.Put(dbSession.Key(), data)
	})
}

// LoadSession returns the stored session or models.ErrNotFound.
func (s *BboltStorage) LoadSession() (session.Session, error) {
	var sess session.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		data := b.Get(keyCurrentSession)
		if data == nil {
			return models.ErrNotFound
		}

		var dbSession DBSession
		if err := dbSession.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		sess = session.Session{
			UserID: dbSession.UserID,
			Role:   models.Role(dbSession.Role),
			Token:  dbSession.Token,
		}
		if dbSession.ExpiresAt > 0 {
			sess.ExpiresAt = time.Unix(dbSession.ExpiresAt, 0)
		}
		return nil
	})
	return sess, err
}

func (s *BboltStorage) ClearSession() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyCurrentSession)
	})
}
