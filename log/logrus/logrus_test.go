package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/optisync"
)

func TestLoggerWritesFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Error("compensation failed", optisync.Fields{"op_id": "42", "err": errors.New("sold")})
	l.Info("settled", nil)

	require.Len(t, hook.Entries, 2)
	e := hook.Entries[0]
	assert.Equal(t, logrus.ErrorLevel, e.Level)
	assert.Equal(t, "compensation failed", e.Message)
	assert.Equal(t, "42", e.Data["op_id"])
	assert.Equal(t, "optisync", e.Data["component"])
	assert.EqualError(t, e.Data[logrus.ErrorKey].(error), "sold")
	assert.Equal(t, "settled", hook.LastEntry().Message)
}
