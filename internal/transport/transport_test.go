package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceive_ZeroBytes_NoTransportCall(t *testing.T) {
	data, err := Receive(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestClose_NilConn_NoOp(t *testing.T) {
	assert.NoError(t, Close(nil))
}

func TestReceive_FullRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("hello!"))
	}()

	data, err := Receive(context.Background(), server, 6)
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(data))
}

func TestReceive_UserEvent_ContextCancelled(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Receive(ctx, server, 4)
	assert.ErrorIs(t, err, ErrUserEvent)
}

func TestReceive_LostClient_OnClose(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.Close()
	}()

	_, err := Receive(context.Background(), server, 4)
	assert.ErrorIs(t, err, ErrLostClient)
}

func TestSend_WritesAllBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		_ = Send(client, []byte("resp"), 0)
	}()

	data, err := Receive(context.Background(), server, 4)
	require.NoError(t, err)
	assert.Equal(t, "resp", string(data))
}

func TestPeerIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, _ := net.Dial("tcp", ln.Addr().String())
		if c != nil {
			defer c.Close()
			time.Sleep(50 * time.Millisecond)
		}
	}()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "127.0.0.1", PeerIP(conn))
	assert.Empty(t, PeerIP(nil))
}
