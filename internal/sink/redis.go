package sink

import (
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "clawbridge:"

func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return defaultKeyPrefix
	}
	return prefix
}
