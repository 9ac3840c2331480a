package slog

import (
	"bytes"
	"encoding/json"
	stdslog "log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/optisync"
)

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	h := stdslog.NewJSONHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo})
	l := New(stdslog.New(h))

	l.Debug("dropped", optisync.Fields{"x": 1})
	l.Info("operation succeeded", optisync.Fields{"op": "publish", "state": "Leg1Confirmed"})

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "operation succeeded", rec["msg"])
	assert.Equal(t, "publish", rec["op"])
	assert.Equal(t, "Leg1Confirmed", rec["state"])
	assert.Equal(t, "optisync", rec["component"])
	assert.NotContains(t, buf.String(), "dropped")
}
