package conductor

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ensemble/internal/payload"
)

func TestNetworkConfig_Loopback(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"ws://localhost:9000", true},
		{"ws://127.0.0.1:9000", true},
		{"ws://[::1]:9000", true},
		{"ws://sim2h.example.org:9000", false},
		{"ws://10.0.0.4:9000", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := NetworkConfig{Mode: NetworkSim2h, URL: tt.url}.Loopback()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNetworkConfig_LoopbackNoHost(t *testing.T) {
	_, err := NetworkConfig{URL: "not a url"}.Loopback()
	assert.Error(t, err)
}

func TestCallResult_Variants(t *testing.T) {
	ok := Ok(payload.String("addr"))
	assert.True(t, ok.IsOk())
	assert.NoError(t, ok.Err())
	assert.Equal(t, `Ok("addr")`, ok.String())

	appErr := AppError(payload.String("denied"))
	assert.False(t, appErr.IsOk())
	var ae *ApplicationError
	require.True(t, errors.As(appErr.Err(), &ae))
	assert.Equal(t, payload.String("denied"), ae.Value)

	cause := errors.New("connection refused")
	tf := TransportFailure("call", cause)
	assert.Equal(t, KindTransport, tf.Kind())
	assert.Nil(t, tf.Value())
	var te *TransportError
	require.True(t, errors.As(tf.Err(), &te))
	assert.Equal(t, "call", te.Op)
	assert.ErrorIs(t, tf.Err(), cause)
}

func TestTransportFailure_KeepsExistingTransportError(t *testing.T) {
	inner := &TransportError{Op: "dial", Err: errors.New("refused")}
	tf := TransportFailure("call", inner)

	var te *TransportError
	require.True(t, errors.As(tf.Err(), &te))
	assert.Equal(t, "dial", te.Op)
}

func TestOk_NilIsNull(t *testing.T) {
	assert.Equal(t, payload.Null{}, Ok(nil).Value())
}

func TestCallResult_JSON(t *testing.T) {
	tests := []struct {
		name   string
		result CallResult
		wire   string
	}{
		{"ok", Ok(payload.String("a")), `{"Ok":"a"}`},
		{"ok null", Ok(payload.Null{}), `{"Ok":null}`},
		{"err", AppError(payload.Object{"code": payload.Int(3)}), `{"Err":{"code":3}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.result)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			var back CallResult
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.result.Kind(), back.Kind())
			assert.Equal(t, tt.result.Value(), back.Value())
		})
	}
}

func TestCallResult_JSONRejects(t *testing.T) {
	_, err := json.Marshal(TransportFailure("call", errors.New("x")))
	assert.Error(t, err)

	var r CallResult
	assert.Error(t, json.Unmarshal([]byte(`{}`), &r))
	assert.Error(t, json.Unmarshal([]byte(`{"Ok":1,"Err":2}`), &r))
}
