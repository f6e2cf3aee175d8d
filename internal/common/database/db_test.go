package database

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestNew_GivesUpAfterAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		URL:             "postgres://payrecon@127.0.0.1:1/payrecon?connect_timeout=1",
		ConnectAttempts: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
