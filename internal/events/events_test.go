package events

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(16)

	var mu sync.Mutex
	var got []EventType
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	bus.Emit(NewEvent(BatchStarted, ""))
	bus.Emit(NewEvent(TxnMounted, "install.wim:1"))
	bus.Emit(NewEvent(BatchCompleted, ""))
	require.NoError(t, bus.Close())

	assert.Equal(t, []EventType{BatchStarted, TxnMounted, BatchCompleted}, got)
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus(1)
	rec := NewRecorder(4)
	bus.Subscribe(rec.Handler())

	before := time.Now()
	bus.Emit(NewEvent(ActionStarted, "job"))
	require.NoError(t, bus.Close())

	evts := rec.Events()
	require.Len(t, evts, 1)
	assert.False(t, evts[0].Time.Before(before))
}

func TestBus_EmitAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	// Should not panic
	bus.Emit(NewEvent(BatchStarted, ""))

	var nilBus *Bus
	nilBus.Emit(NewEvent(BatchStarted, ""))
}

func TestEvent_Builders(t *testing.T) {
	e := NewEvent(ActionFailed, "install.wim:1").
		WithTxn("01J").
		WithAction(3).
		WithPayload(map[string]any{"state": "rolling_back"}).
		WithError(errors.New("exit 1"))

	assert.Equal(t, "01J", e.Txn)
	require.NotNil(t, e.Action)
	assert.Equal(t, 3, *e.Action)
	assert.Equal(t, "exit 1", e.Error)
	assert.True(t, e.IsFailure())
	assert.Equal(t, "[action.failed] install.wim:1 action=#3 state=rolling_back", e.String())
}

func TestLogHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf, IncludePayload: true})

	handler(NewEvent(CheckpointCreated, "boot.iso").
		WithAction(2).
		WithPayload(map[string]any{"kind": "diff", "changes": 4}))

	out := buf.String()
	assert.Contains(t, out, "[checkpoint.created] boot.iso action=#2")
	assert.Contains(t, out, "changes=4 kind=diff")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestJSONEmitter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewJSONEmitter(&buf)

	in := NewEvent(TxnCommitted, "install.wim:1").WithTxn("01ABC").WithAction(5)
	require.NoError(t, emitter.Emit(in))

	out, err := ParseJSONEvent(bytes.TrimSpace(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, TxnCommitted, out.Type)
	assert.Equal(t, "01ABC", out.Txn)
	require.NotNil(t, out.Action)
	assert.Equal(t, 5, *out.Action)
}

func TestIsJSONMode_Forced(t *testing.T) {
	assert.True(t, IsJSONMode(true))
}
