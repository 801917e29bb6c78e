package grpcstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := &Frame{Payload: []byte(`{"type":"ping"}`)}

	raw, err := c.Marshal(in)
	require.NoError(t, err)

	var out Frame
	require.NoError(t, c.Unmarshal(raw, &out))
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}
