package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyClose(t *testing.T) {
	tests := []struct {
		name string
		code int
		want CloseClass
	}{
		{"NormalEndsSession", CloseNormal, CloseEndsSession},
		{"GoingAwayEndsSession", CloseGoingAway, CloseEndsSession},
		{"BreakerRangeLow", CloseCircuitBreakerMin, CloseCircuitBreak},
		{"BreakerRangeHigh", CloseCircuitBreakerMax, CloseCircuitBreak},
		{"SupersededIsBreakerClass", CloseSuperseded, CloseCircuitBreak},
		{"NoStatusDetaches", 1005, CloseDetachOnly},
		{"AbnormalDetaches", 1006, CloseDetachOnly},
		{"ProtocolErrorDetaches", 1002, CloseDetachOnly},
		{"TransportErrorDetaches", 0, CloseDetachOnly},
		{"AboveBreakerRangeDetaches", 4010, CloseDetachOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyClose(tt.code))
		})
	}
}

func TestCtrlByte(t *testing.T) {
	known := map[string]byte{
		"c":  0x03,
		"d":  0x04,
		"z":  0x1a,
		"l":  0x0c,
		"\\": 0x1c,
		"a":  0x01,
		"e":  0x05,
		"k":  0x0b,
		"u":  0x15,
		"w":  0x17,
	}
	for key, want := range known {
		b, ok := CtrlByte(key)
		require.True(t, ok, "key %q", key)
		assert.Equal(t, want, b, "key %q", key)
	}

	_, ok := CtrlByte("q")
	assert.False(t, ok, "unmapped keys must not resolve")
}

func TestClientMessageDecoding(t *testing.T) {
	t.Run("Input", func(t *testing.T) {
		var msg ClientMessage
		require.NoError(t, json.Unmarshal([]byte(`{"type":"input","data":"ls -la\r"}`), &msg))
		assert.Equal(t, MsgInput, msg.Type)
		assert.Equal(t, "ls -la\r", msg.Data)
	})

	t.Run("Resize", func(t *testing.T) {
		var msg ClientMessage
		require.NoError(t, json.Unmarshal([]byte(`{"type":"resize","cols":120,"rows":40}`), &msg))
		assert.Equal(t, MsgResize, msg.Type)
		assert.Equal(t, uint16(120), msg.Cols)
		assert.Equal(t, uint16(40), msg.Rows)
	})

	t.Run("Ctrl", func(t *testing.T) {
		var msg ClientMessage
		require.NoError(t, json.Unmarshal([]byte(`{"type":"ctrl","key":"c"}`), &msg))
		assert.Equal(t, MsgCtrl, msg.Type)
		assert.Equal(t, "c", msg.Key)
	})
}

func TestServerMessageEncoding(t *testing.T) {
	t.Run("StreamOmitsUnusedFields", func(t *testing.T) {
		data, err := json.Marshal(ServerMessage{Type: MsgStream, Data: "hello"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"stream","data":"hello"}`, string(data))
	})

	t.Run("Connected", func(t *testing.T) {
		data, err := json.Marshal(ServerMessage{
			Type:       MsgConnected,
			SessionID:  "session_1_abc",
			WorkingDir: "/work",
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"connected","sessionId":"session_1_abc","workingDir":"/work"}`, string(data))
	})

	t.Run("ExitCarriesCode", func(t *testing.T) {
		data, err := json.Marshal(ServerMessage{Type: MsgExit, Code: 130})
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"exit","code":130}`, string(data))
	})
}
