package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(Int("rank", 3))

	log.Info(context.Background(), "step complete", Int("cluster", 1), Float64("time", 0.25), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "step complete", rec["msg"])
	assert.Equal(t, float64(3), rec["rank"])
	assert.Equal(t, float64(1), rec["cluster"])
	assert.Equal(t, 0.25, rec["time"])
	assert.Equal(t, "boom", rec["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
	log.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestContextLogger(t *testing.T) {
	assert.IsType(t, noopLogger{}, FromContext(context.Background()))
	var buf bytes.Buffer
	ctx := ContextWithLogger(context.Background(), New(Config{Output: &buf}))
	FromContext(ctx).Info(ctx, "hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotNil(t, OrNoop(nil))
}
