package logging

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zapcore"
)

// FluentOptions configures the fluentd forward-protocol shipper.
type FluentOptions struct {
	Enable bool
	Host   string
	Port   int
	Level  string
	Tag    string
}

// fluentCore ships log entries to a fluentd collector using the forward
// protocol: each event is the msgpack array [tag, timestamp, record].
// Shipping is asynchronous; when the buffer is full entries are dropped
// rather than stalling the trade loop.
type fluentCore struct {
	zapcore.LevelEnabler

	opts      FluentOptions
	app       string
	accountID string
	fields    []zapcore.Field

	events chan fluentEvent
	once   sync.Once
	done   chan struct{}
}

type fluentEvent struct {
	tag    string
	ts     int64
	record map[string]interface{}
}

func newFluentCore(opts FluentOptions, app, accountID string, minLevel zapcore.Level) (zapcore.Core, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("fluent host is required")
	}
	if opts.Tag == "" {
		opts.Tag = "maotrade"
	}
	level := minLevel
	if opts.Level != "" {
		level = parseZapLevel(opts.Level)
	}

	fc := &fluentCore{
		LevelEnabler: level,
		opts:         opts,
		app:          app,
		accountID:    accountID,
		events:       make(chan fluentEvent, 1024),
		done:         make(chan struct{}),
	}
	go fc.shipLoop()
	return fc, nil
}

func (fc *fluentCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &fluentCore{
		LevelEnabler: fc.LevelEnabler,
		opts:         fc.opts,
		app:          fc.app,
		accountID:    fc.accountID,
		events:       fc.events,
		done:         fc.done,
	}
	clone.fields = append(append([]zapcore.Field(nil), fc.fields...), fields...)
	return clone
}

func (fc *fluentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if fc.Enabled(ent.Level) {
		return ce.AddCore(ent, fc)
	}
	return ce
}

func (fc *fluentCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fc.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	record := map[string]interface{}{
		"app":       fc.app,
		"mtaccount": fc.accountID,
		"compname":  enc.Fields["component"],
		"module":    ent.LoggerName,
		"funcName":  ent.Caller.Function,
		"lineno":    ent.Caller.Line,
		// Goroutines carry no stable id; a fixed placeholder keeps the
		// collector schema intact.
		"thread":    "main",
		"levelName": ent.Level.CapitalString(),
		"message":   ent.Message,
		"timestamp": ent.Time.UnixNano() / int64(time.Millisecond),
	}
	if topic, ok := enc.Fields["topic"]; ok {
		record["topic"] = topic
	}
	if topicID, ok := enc.Fields["topicId"]; ok {
		record["topicId"] = topicID
	}
	for k, v := range enc.Fields {
		if _, reserved := record[k]; !reserved {
			record[k] = v
		}
	}

	select {
	case fc.events <- fluentEvent{tag: fc.opts.Tag, ts: ent.Time.Unix(), record: record}:
	default:
		// Buffer full; drop rather than block the caller.
	}
	return nil
}

func (fc *fluentCore) Sync() error { return nil }

// shipLoop owns the TCP connection to the collector and retries on
// failure with a fixed delay.
func (fc *fluentCore) shipLoop() {
	var conn net.Conn
	addr := fmt.Sprintf("%s:%d", fc.opts.Host, fc.opts.Port)

	dial := func() net.Conn {
		c, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return nil
		}
		return c
	}

	for {
		select {
		case <-fc.done:
			if conn != nil {
				_ = conn.Close()
			}
			return
		case ev := <-fc.events:
			payload, err := msgpack.Marshal([]interface{}{ev.tag, ev.ts, ev.record})
			if err != nil {
				continue
			}
			for attempt := 0; attempt < 2; attempt++ {
				if conn == nil {
					conn = dial()
					if conn == nil {
						time.Sleep(time.Second)
						continue
					}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if _, err := conn.Write(payload); err != nil {
					_ = conn.Close()
					conn = nil
					continue
				}
				break
			}
		}
	}
}

// Close stops the shipper goroutine.
func (fc *fluentCore) Close() {
	fc.once.Do(func() { close(fc.done) })
}
