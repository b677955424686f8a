package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Auth("hub.query", errors.New("401 unauthorized"))
	wrapped := fmt.Errorf("failed to list contacts: %w", base)

	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsRecordScoped(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(KindValidation, "op", nil))
}

func TestScopes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		record    bool
		retryable bool
	}{
		{"validation", Validation("map", errors.New("missing title")), false, true, false},
		{"connectivity", Connectivity("get", errors.New("reset")), false, false, true},
		{"rate limit", RateLimited("get", time.Second, nil), false, false, true},
		{"config", Config("load", errors.New("bad driver")), true, false, false},
		{"schema", Schema("list", errors.New("no column")), false, false, false},
		{"unclassified", errors.New("boom"), false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
			assert.Equal(t, tt.record, IsRecordScoped(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("wrap: %w", RateLimited("hub.update", 3*time.Second, nil))
	assert.Equal(t, 3*time.Second, RetryAfterOf(err))
	assert.Contains(t, err.Error(), "hub.update: rate_limit")
}
