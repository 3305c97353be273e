package hashguard

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalizesCase(t *testing.T) {
	assert.Equal(t, "chainbill:txhash:0xabcdef", key("0xABCdef"))
}

func TestNew_DefaultTTL(t *testing.T) {
	g := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), 0)
	defer func() { _ = g.Close() }()
	assert.Equal(t, DefaultTTL, g.ttl)
}

func TestOpen_RejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "http://not-redis", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse REDIS_URL")
}

func TestClaim_UnreachableRedisReturnsError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	g := New(rdb, time.Minute)
	defer func() { _ = g.Close() }()

	ok, err := g.Claim(context.Background(), "0xabc", "inv_1")
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Error(t, g.Release(context.Background(), "0xabc", "inv_1"))
	assert.Error(t, g.Ping(context.Background()))
}
