package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyNames(t *testing.T) {
	assert.Equal(t, "channel-events:worker-1", EventChannel("worker-1"))
	assert.Equal(t, "ratelimit:actor:worker-1", RateLimitKey("worker-1"))
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url")
	assert.Error(t, err)
}
