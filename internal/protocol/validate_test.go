package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage_Input(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"input","data":"hello"}`))
	require.NoError(t, err)
	assert.True(t, msg.IsInput())
	assert.Equal(t, "hello", msg.Data)
}

func TestDecodeClientMessage_InvalidJSON(t *testing.T) {
	_, err := DecodeClientMessage([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeClientMessage_MissingType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"data":"hello"}`))
	require.Error(t, err)
}

func TestDecodeClientMessage_NonStringData(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"input","data":42}`))
	require.Error(t, err)
}

func TestDecodeClientMessage_InputWithoutData(t *testing.T) {
	for _, raw := range []string{
		`{"type":"input"}`,
		`{"type":"input","data":null}`,
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestDecodeClientMessage_EmptyPromptIsInput(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"input","data":""}`))
	require.NoError(t, err)
	assert.True(t, msg.IsInput())
	assert.Empty(t, msg.Data)
}

func TestDecodeClientMessage_OtherTypesNeedNoData(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.False(t, msg.IsInput())
}

func TestDecodeClientMessage_UnknownTypeIsNotInput(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"resize","data":"80x24"}`))
	require.NoError(t, err)
	assert.False(t, msg.IsInput())
}

func TestDecodeClientMessage_PromptVerbatim(t *testing.T) {
	prompt := "  --flag \"quoted\" ; rm -rf / \n"
	raw, _ := json.Marshal(ClientMessage{Type: TypeInput, Data: prompt})

	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, prompt, msg.Data)
}

func TestEventEncoding(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"output", Output("Hi there"), `{"type":"output","data":"Hi there"}`},
		{"error", Error("boom"), `{"type":"error","data":"boom"}`},
		{"complete", Complete(), `{"type":"complete","message":"Response complete"}`},
		{"exit", ExitError(1), `{"type":"error","data":"Copilot exited with code 1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.event.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestAuthRequiredCarriesFixedMessage(t *testing.T) {
	ev := AuthRequired()
	assert.Equal(t, TypeAuthRequired, ev.Type)
	assert.Equal(t, AuthRequiredMessage, ev.Message)
	assert.Empty(t, ev.Data)
}

func TestLaunchError(t *testing.T) {
	ev := LaunchError(errors.New("no such file or directory"))
	assert.Equal(t, TypeError, ev.Type)
	assert.Equal(t, "Failed to start copilot: no such file or directory", ev.Data)
}
