package protocol

import (
	"encoding/json"
	"testing"

	"github.com/harun/switchboard/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDecode_EveryKind(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			msg, err := Decode([]byte(`{"type":"` + string(kind) + `"}`))
			require.NoError(t, err)
			_, unknown := msg.(Unknown)
			assert.False(t, unknown, "kind %s decoded as unknown", kind)
		})
	}
}

func TestDecode_Aliases(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"user_input","text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, TextInput{Text: "hello"}, msg)

	msg, err = Decode([]byte(`{"type":"memory_update","memory":{"userName":"Sam"}}`))
	require.NoError(t, err)
	update, ok := msg.(UpdateMemory)
	require.True(t, ok)
	assert.Equal(t, "Sam", *update.Memory.UserName)
	assert.Nil(t, update.Memory.Account)
}

func TestEncode_StampsType(t *testing.T) {
	data, err := Encode(ToolResult{
		ToolUseID: "t1",
		Name:      "transfer_to_banking",
		Content:   "ok",
		Handoff:   &session.HandoffRequest{TargetAgent: "banking", Reason: "balance"},
	})
	require.NoError(t, err)

	assert.Equal(t, "tool_result", gjson.GetBytes(data, "type").String())
	assert.Equal(t, "banking", gjson.GetBytes(data, "handoff.targetAgent").String())

	back, err := Decode(data)
	require.NoError(t, err)
	result, ok := back.(ToolResult)
	require.True(t, ok)
	assert.Equal(t, "balance", result.Handoff.Reason)
}

func TestEncode_EmptyMessage(t *testing.T) {
	data, err := Encode(Ping{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestDecode_Unknown(t *testing.T) {
	raw := []byte(`{"type":"audio_config","rate":16000}`)

	msg, err := Decode(raw)
	require.NoError(t, err)
	u, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, Kind("audio_config"), u.Kind())

	out, err := Encode(u)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
	}{
		{name: "binary", data: "\x00\x01\x02", err: ErrNotJSON},
		{name: "empty", data: "", err: ErrNotJSON},
		{name: "truncated object", data: `{"type":"ping"`, err: ErrNotJSON},
		{name: "no type", data: `{"text":"hi"}`, err: ErrMissingType},
		{name: "numeric type", data: `{"type":3}`, err: ErrMissingType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecode_BadFieldType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"text_input","text":42}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text_input")
}

func TestIsBinary(t *testing.T) {
	assert.True(t, IsBinary([]byte{0xff, 0xfe}))
	assert.True(t, IsBinary([]byte(" {}")))
	assert.True(t, IsBinary(nil))
	assert.False(t, IsBinary([]byte(`{"type":"ping"}`)))
}

func TestSessionInit_RoundTripKeepsMemory(t *testing.T) {
	init := SessionInit{
		SessionID: "s1",
		TraceID:   "trace",
		Memory:    &session.Memory{Verified: true, UserName: "Sam"},
	}

	data := MustEncode(init)
	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Contains(t, generic, "memory")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "Sam", back.(SessionInit).Memory.UserName)
}
