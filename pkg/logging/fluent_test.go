package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestFluentRecordFields(t *testing.T) {
	fc := &fluentCore{
		LevelEnabler: zapcore.InfoLevel,
		opts:         FluentOptions{Tag: "maotrade.ACC1"},
		app:          "maotrade",
		accountID:    "ACC1",
		events:       make(chan fluentEvent, 1),
		done:         make(chan struct{}),
	}

	ent := zapcore.Entry{
		Level:   zapcore.WarnLevel,
		Time:    time.Unix(1756000000, 0),
		Message: "order rejected",
	}
	require.NoError(t, fc.Write(ent, []zapcore.Field{zap.String("component", "trade_manager")}))

	ev := <-fc.events
	assert.Equal(t, "maotrade.ACC1", ev.tag)
	for _, key := range []string{
		"app", "mtaccount", "compname", "module", "funcName",
		"lineno", "thread", "levelName", "message", "timestamp",
	} {
		assert.Contains(t, ev.record, key)
	}
	assert.Equal(t, "maotrade", ev.record["app"])
	assert.Equal(t, "ACC1", ev.record["mtaccount"])
	assert.Equal(t, "trade_manager", ev.record["compname"])
	assert.Equal(t, "WARN", ev.record["levelName"])
	assert.Equal(t, "order rejected", ev.record["message"])
}

func TestFluentDropsWhenBufferFull(t *testing.T) {
	fc := &fluentCore{
		LevelEnabler: zapcore.InfoLevel,
		opts:         FluentOptions{Tag: "maotrade"},
		events:       make(chan fluentEvent, 1),
		done:         make(chan struct{}),
	}
	ent := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Now(), Message: "x"}

	// The second write finds the buffer full and must not block.
	require.NoError(t, fc.Write(ent, nil))
	require.NoError(t, fc.Write(ent, nil))
	assert.Len(t, fc.events, 1)
}
