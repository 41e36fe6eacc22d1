package docmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage is a shared storage backend, one key per doc.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

func NewRedisStorage(redisUrl string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client), nil
}

func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: "docmesh:",
	}
}

func (self *RedisStorage) docKey(docId DocId) string {
	return self.prefix + "doc:" + string(docId)
}

func (self *RedisStorage) LoadPeerId(ctx context.Context) (Id, error) {
	key := self.prefix + "peer_id"
	peerId := NewId()
	if err := self.client.SetNX(ctx, key, peerId.String(), 0).Err(); err != nil {
		return Id{}, err
	}
	idStr, err := self.client.Get(ctx, key).Result()
	if err != nil {
		return Id{}, err
	}
	return ParseId(idStr)
}

func (self *RedisStorage) LoadDoc(ctx context.Context, docId DocId) ([]byte, bool, error) {
	docBytes, err := self.client.Get(ctx, self.docKey(docId)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return docBytes, true, nil
}

func (self *RedisStorage) SaveDoc(ctx context.Context, docId DocId, docBytes []byte) error {
	return self.client.Set(ctx, self.docKey(docId), docBytes, 0).Err()
}

func (self *RedisStorage) Close() error {
	return self.client.Close()
}
