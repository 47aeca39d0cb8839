package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ZentaChain/zentalk-channels/pkg/protocol"
)

func TestClass(t *testing.T) {
	tests := []struct {
		id   int64
		want string
	}{
		{protocol.OpKeyExchange.ID(), "handshake"},
		{protocol.OpAccessKey.ID(), "handshake"},
		{protocol.OpEncoded.ID(), "encoded"},
		{protocol.OpChannelJoin.ID(), "control"},
		{protocol.OpDisconnection.ID(), "control"},
		{500, "application"},
	}

	for _, tt := range tests {
		if got := Class(tt.id); got != tt.want {
			t.Errorf("Class(%d) = %s, want %s", tt.id, got, tt.want)
		}
	}
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(frames.WithLabelValues(In, "application"))
	RecordFrame(In, 1000)
	assert.Equal(t, before+1, testutil.ToFloat64(frames.WithLabelValues(In, "application")))

	SetConnectedClients(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(connectedClients))

	fwd := testutil.ToFloat64(forwarded)
	RecordForwarded(4)
	assert.Equal(t, fwd+4, testutil.ToFloat64(forwarded))
}
