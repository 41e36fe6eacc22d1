package docmesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStorage is a durable storage backend on postgres.
type PgStorage struct {
	pool *pgxpool.Pool
}

func NewPgStorage(ctx context.Context, databaseUrl string) (*PgStorage, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	storage := &PgStorage{
		pool: pool,
	}
	if err := storage.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return storage, nil
}

func (self *PgStorage) migrate(ctx context.Context) error {
	_, err := self.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS docmesh_docs (
			doc_id TEXT PRIMARY KEY,
			doc_bytes BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS docmesh_meta (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		);
	`)
	return err
}

func (self *PgStorage) LoadPeerId(ctx context.Context) (Id, error) {
	peerId := NewId()
	_, err := self.pool.Exec(ctx, `
		INSERT INTO docmesh_meta (key, value) VALUES ('peer_id', $1)
		ON CONFLICT (key) DO NOTHING
	`, peerId.Bytes())
	if err != nil {
		return Id{}, err
	}
	var idBytes []byte
	err = self.pool.QueryRow(ctx, `
		SELECT value FROM docmesh_meta WHERE key = 'peer_id'
	`).Scan(&idBytes)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(idBytes)
}

func (self *PgStorage) LoadDoc(ctx context.Context, docId DocId) ([]byte, bool, error) {
	var docBytes []byte
	err := self.pool.QueryRow(ctx, `
		SELECT doc_bytes FROM docmesh_docs WHERE doc_id = $1
	`, string(docId)).Scan(&docBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return docBytes, true, nil
}

func (self *PgStorage) SaveDoc(ctx context.Context, docId DocId, docBytes []byte) error {
	_, err := self.pool.Exec(ctx, `
		INSERT INTO docmesh_docs (doc_id, doc_bytes, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (doc_id) DO UPDATE SET doc_bytes = EXCLUDED.doc_bytes, updated_at = now()
	`, string(docId), docBytes)
	return err
}

func (self *PgStorage) Close() error {
	self.pool.Close()
	return nil
}
