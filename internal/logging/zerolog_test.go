package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestZerologLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))
	ctx := context.Background()

	log.Debug(ctx, "dbg", "a", 1)
	log.Info(ctx, "inf", "b", 2)
	log.With("draft_id", "d1").Error(ctx, "err", "c", "x")

	out := buf.String()
	assert.NotContains(t, out, "dbg")
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"message":"inf"`)
	assert.Contains(t, out, `"b":2`)
	assert.Contains(t, out, `"draft_id":"d1"`)
	assert.Contains(t, out, `"c":"x"`)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestNewConsole_UnknownLevelMeansInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsole(&buf, "loud")
	log.Debug(context.Background(), "hidden")
	log.Warn(context.Background(), "shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "k=v")
}
