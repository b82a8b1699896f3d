package qrelay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlMessageJSON(t *testing.T) {
	data, err := json.Marshal(InitMessage{Args: []string{"+set", "net_socksEnabled", "1"}})
	require.NoError(t, err)
	assert.JSONEq(t, `["init",["+set","net_socksEnabled","1"]]`, string(data))

	data, err = json.Marshal(InitMessage{})
	require.NoError(t, err)
	assert.JSONEq(t, `["init",[]]`, string(data))

	data, err = json.Marshal(ExecuteMessage{Command: "connect q.example.org"})
	require.NoError(t, err)
	assert.JSONEq(t, `["execute","connect q.example.org"]`, string(data))

	data, err = json.Marshal(NetMessage{
		Payload: []byte{0xff, 0xff, 0xff, 0xff},
		Meta:    NetMeta{Port: 27960, Address: "10.0.0.7", From: 27961, WebSocket: true},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `["net","/////w==",{"port":27960,"address":"10.0.0.7","from":27961,"websocket":true}]`, string(data))
}

func TestParseControlMessage(t *testing.T) {
	msg, err := ParseControlMessage([]byte(`["net","/////w==",{"port":27960,"address":"10.0.0.7","from":27961,"websocket":false}]`))
	require.NoError(t, err)
	nm, ok := msg.(NetMessage)
	require.True(t, ok)
	assert.Equal(t, TypeNet, nm.GetType())
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, nm.Payload)
	assert.Equal(t, 27961, nm.Meta.From)

	msg, err = ParseControlMessage([]byte(`["execute","quit"]`))
	require.NoError(t, err)
	assert.Equal(t, ExecuteMessage{Command: "quit"}, msg)

	msg, err = ParseControlMessage([]byte(`["init",["+map","q3dm17"]]`))
	require.NoError(t, err)
	assert.Equal(t, InitMessage{Args: []string{"+map", "q3dm17"}}, msg)

	for _, bad := range []string{`{}`, `[]`, `["bogus"]`, `["execute"]`, `["net"]`, `[1]`} {
		_, err := ParseControlMessage([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	sink := make(ChannelSink, 1)
	sink.Deliver(NetMessage{Payload: []byte("a")})
	sink.Deliver(NetMessage{Payload: []byte("b")})
	require.Len(t, sink, 1)
	assert.Equal(t, []byte("a"), (<-sink).Payload)
}
