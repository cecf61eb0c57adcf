package redis

import (
	"time"

	"github.com/gomodule/redigo/redis"
)

// PoolConfig configures a connection pool to a standalone Redis server.
type PoolConfig struct {
	Server      string
	Password    string
	Database    int
	UseTLS      bool
	ConnTimeout time.Duration
	KeepAlive   time.Duration
}

// NewPool creates a Redis connection pool using the provided configuration.
func NewPool(config PoolConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			c, err := redis.Dial(
				"tcp",
				config.Server,
				redis.DialDatabase(config.Database),
				redis.DialUseTLS(config.UseTLS),
				redis.DialConnectTimeout(config.ConnTimeout),
				redis.DialKeepAlive(config.KeepAlive),
			)
			if err != nil {
				return nil, err
			}
			if config.Password != "" {
				if _, err := c.Do("AUTH", config.Password); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
