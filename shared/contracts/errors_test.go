package contracts

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", NewTransient("connection reset", errors.New("dial tcp")), ClassTransient},
		{"rejected", &InvocationError{Class: ClassRejected, Reason: "insufficient credit score"}, ClassRejected},
		{"malformed", NewMalformed("missing order id", nil), ClassMalformed},
		{"store failure", NewStoreFailure("saga store unavailable", errors.New("timeout")), ClassStoreFailure},
		{"unclassified defaults to transient", errors.New("something broke"), ClassTransient},
		{"wrapped keeps class", errors.Wrap(NewMalformed("bad payload", nil), "invoking financing"), ClassMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewTransient("timeout", nil)))
	assert.True(t, IsRetryable(NewStoreFailure("db down", nil)))
	assert.False(t, IsRetryable(&InvocationError{Class: ClassRejected, Reason: "declined"}))
	assert.False(t, IsRetryable(NewMalformed("bad payload", nil)))
}

func TestInvocationErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewTransient("payment unreachable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "payment unreachable")
}
