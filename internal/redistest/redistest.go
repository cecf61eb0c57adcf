// Package redistest connects tests to a local Redis server.
package redistest

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// Pool returns a pool to the Redis server at REDIS_ADDR (default
// 127.0.0.1:6379) and a key prefix unique to the test. Keys under the prefix
// are deleted when the test ends. The test is skipped unless REDIS_TEST is
// set.
func Pool(tb testing.TB) (*redis.Pool, string) {
	tb.Helper()
	if _, ok := os.LookupEnv("REDIS_TEST"); !ok {
		tb.Skip("set REDIS_TEST environment variable to run redis-based tests")
	}

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr, redis.DialConnectTimeout(5*time.Second))
		},
	}

	conn := pool.Get()
	_, err := conn.Do("PING")
	conn.Close()
	require.NoError(tb, err)

	prefix := fmt.Sprintf("servicehub_test:%d:", time.Now().UnixNano())
	tb.Cleanup(func() {
		conn := pool.Get()
		defer conn.Close()

		cursor := 0
		for {
			res, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", prefix+"*"))
			require.NoError(tb, err)
			var keys []string
			_, err = redis.Scan(res, &cursor, &keys)
			require.NoError(tb, err)
			for _, k := range keys {
				_, err := conn.Do("DEL", k)
				require.NoError(tb, err)
			}
			if cursor == 0 {
				break
			}
		}
		pool.Close()
	})
	return pool, prefix
}
