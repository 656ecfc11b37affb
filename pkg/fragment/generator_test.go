package fragment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/rudp/pkg/wire"
)

func TestGenerateRejectsEmptyPayload(t *testing.T) {
	_, err := Generate(1, nil, wire.Key)
	require.Error(t, err)
}

func TestGenerateSingleFragment(t *testing.T) {
	pieces, err := Generate(1, []byte{0xAA}, wire.Key)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Equal(t, uint8(0), pieces[0].FragID)
	require.Equal(t, uint8(0), pieces[0].FragTotal)
}

func TestGenerateReassembleRoundTrip(t *testing.T) {
	sizes := []int{1, 100, wire.MaxPayloadPerFragment, wire.MaxPayloadPerFragment + 1, 5000, wire.MaxPayloadPerFragment*256 - 1}
	for _, size := range sizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		pieces, err := Generate(1, payload, wire.Key)
		require.NoError(t, err)

		var buf bytes.Buffer
		for _, p := range pieces {
			buf.Write(p.Payload)
		}
		require.Equal(t, payload, buf.Bytes())
	}
}

func TestGenerateFragTotalIsLastIndex(t *testing.T) {
	payload := make([]byte, wire.MaxPayloadPerFragment*3)
	pieces, err := Generate(1, payload, wire.Key)
	require.NoError(t, err)
	require.Len(t, pieces, 3)
	for _, p := range pieces {
		require.Equal(t, uint8(2), p.FragTotal)
	}
}

func TestGenerateRejectsOversizeMessage(t *testing.T) {
	payload := make([]byte, wire.MaxPayloadPerFragment*257)
	_, err := Generate(1, payload, wire.Key)
	require.Error(t, err)
}
