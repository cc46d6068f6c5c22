package errtrack

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	tr := Noop()
	assert.NotPanics(t, func() {
		tr.CaptureError(context.Background(), errors.New("boom"), map[string]string{"stage": "append"})
		tr.Flush(time.Millisecond)
	})
}

func TestSentry_EmptyDSNDisablesSending(t *testing.T) {
	tr, err := NewSentry("", "test")
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		tr.CaptureError(context.Background(), errors.New("boom"), map[string]string{"stage": "sink"})
		tr.Flush(10 * time.Millisecond)
	})
}

func TestSentry_InvalidDSN(t *testing.T) {
	_, err := NewSentry("not a dsn", "test")
	assert.Error(t, err)
}
