package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/storage/storagetest"
	"sitesync/pkg/exception"
)

func TestStoreKeyPrefix(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	assert.Equal(t, "sitesync:offline_message_queue", NewWithClient(rdb, Option{}).key("offline_message_queue"))
	assert.Equal(t, "tenant:q", NewWithClient(rdb, Option{Prefix: "tenant:"}).key("q"))
}

func TestStoreMaxBytesSkipsNetwork(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	s := NewWithClient(rdb, Option{MaxBytes: 2})
	assert.True(t, exception.Is(s.Set(context.Background(), "k", []byte("abc")), exception.ErrStorageQuotaExceeded))
}

func TestStoreContract(t *testing.T) {
	addr := os.Getenv("SITESYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("SITESYNC_REDIS_ADDR not set")
	}
	s, err := New(context.Background(), Option{Addr: addr, Prefix: "sitesync-test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	storagetest.Run(t, s)
}
