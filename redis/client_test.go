package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigRedisOpt(t *testing.T) {
	cfg := Config{
		Addr:     "localhost:6379",
		Password: "hunter2",
		DB:       3,
	}

	opt := cfg.redisOpt()
	assert.Equal(t, "localhost:6379", opt.Addr)
	assert.Equal(t, "hunter2", opt.Password)
	assert.Equal(t, 3, opt.DB)
}
