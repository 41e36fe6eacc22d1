package docmesh

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bboltDocsBucket = []byte("docs")
var bboltMetaBucket = []byte("meta")
var bboltPeerIdKey = []byte("peer_id")

// BboltStorage is a local, file backed storage backend.
type BboltStorage struct {
	db *bolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bboltDocsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bboltMetaBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BboltStorage{
		db: db,
	}, nil
}

func (self *BboltStorage) LoadPeerId(ctx context.Context) (Id, error) {
	var peerId Id
	err := self.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bboltMetaBucket)
		if idBytes := meta.Get(bboltPeerIdKey); idBytes != nil {
			var err error
			peerId, err = IdFromBytes(idBytes)
			return err
		}
		peerId = NewId()
		return meta.Put(bboltPeerIdKey, peerId.Bytes())
	})
	if err != nil {
		return Id{}, err
	}
	return peerId, nil
}

func (self *BboltStorage) LoadDoc(ctx context.Context, docId DocId) ([]byte, bool, error) {
	var docBytes []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bboltDocsBucket).Get([]byte(docId)); b != nil {
			docBytes = make([]byte, len(b))
			copy(docBytes, b)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return docBytes, docBytes != nil, nil
}

func (self *BboltStorage) SaveDoc(ctx context.Context, docId DocId, docBytes []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bboltDocsBucket).Put([]byte(docId), docBytes)
	})
}

func (self *BboltStorage) Close() error {
	return self.db.Close()
}
