package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/legbot/internal/log"
	"github.com/gwillem/legbot/pkg/protocol"
)

func testConfig(name, addr string) EndpointConfig {
	return EndpointConfig{
		Name:          name,
		Addr:          addr,
		DialAttempts:  2,
		RetryInterval: 20 * time.Millisecond,
		Logger:        log.Discard(),
	}
}

func listenDial[T any](t *testing.T, codec Codec[T], mod func(*EndpointConfig)) (*Channel[T], *Channel[T]) {
	t.Helper()
	ctx := context.Background()

	lcfg := testConfig("listen", "127.0.0.1:0")
	if mod != nil {
		mod(&lcfg)
	}
	listener, err := Listen[T](ctx, lcfg, codec)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close(time.Second) })

	dialer, err := Dial[T](ctx, testConfig("dial", listener.Addr()), codec)
	require.NoError(t, err)
	t.Cleanup(func() { dialer.Close(time.Second) })

	require.Eventually(t, listener.Connected, time.Second, 5*time.Millisecond)
	return listener, dialer
}

func TestChannel_LatestBeforeFirstMessage(t *testing.T) {
	c := newChannel[protocol.Command](testConfig("test", ""), JSONCodec[protocol.Command]{})
	defer c.Close(time.Second)

	_, ok := c.Latest()
	assert.False(t, ok)
}

func TestChannel_TwoMessagesBeforeReadReturnsNewest(t *testing.T) {
	c := newChannel[protocol.Command](testConfig("test", ""), JSONCodec[protocol.Command]{})
	defer c.Close(time.Second)

	c.deliver([]byte(`{"vx":0.3,"vy":0,"vyaw":0,"timestamp":1}`))
	c.deliver([]byte(`{"vx":-0.3,"vy":0,"vyaw":0,"timestamp":2}`))

	cmd, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, -0.3, cmd.Vx)
	assert.Equal(t, uint64(1), c.Stats().Overwritten)

	// Reading does not consume.
	again, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, cmd, again)
}

func TestChannel_DecodeErrorKeepsLastValue(t *testing.T) {
	c := newChannel[protocol.Command](testConfig("test", ""), JSONCodec[protocol.Command]{})
	defer c.Close(time.Second)

	c.deliver([]byte(`{"vx":0.1}`))
	c.deliver([]byte(`not json`))

	cmd, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 0.1, cmd.Vx)
	assert.Equal(t, uint64(1), c.Stats().DecodeErrors)
	assert.Equal(t, uint64(1), c.Stats().Received)
}

func TestChannel_OnReceive(t *testing.T) {
	c := newChannel[protocol.Command](testConfig("test", ""), JSONCodec[protocol.Command]{})
	defer c.Close(time.Second)

	var got atomic.Value
	c.OnReceive(func(cmd protocol.Command) { got.Store(cmd.Vyaw) })
	c.deliver([]byte(`{"vyaw":0.7}`))

	assert.Equal(t, 0.7, got.Load())
}

func TestChannel_BackToBackSendsExposeOnlyNewest(t *testing.T) {
	receiver, sender := listenDial[protocol.Command](t, JSONCodec[protocol.Command]{}, nil)

	const n = 500
	var regressed atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var last float64
		for {
			select {
			case <-stop:
				return
			default:
			}
			if cmd, ok := receiver.Latest(); ok {
				if cmd.Vx < last {
					regressed.Store(true)
				}
				last = cmd.Vx
			}
		}
	}()

	for i := 1; i <= n; i++ {
		require.NoError(t, sender.Send(protocol.Command{Vx: float64(i)}))
	}

	require.Eventually(t, func() bool {
		cmd, ok := receiver.Latest()
		return ok && cmd.Vx == n
	}, 2*time.Second, 5*time.Millisecond)

	close(stop)
	<-done
	assert.False(t, regressed.Load(), "latest value went backwards")
}

func TestChannel_ListenerSendsToDialer(t *testing.T) {
	sender, receiver := listenDial[protocol.Command](t, JSONCodec[protocol.Command]{}, nil)

	require.NoError(t, sender.Send(protocol.Command{Vyaw: -0.3}))
	require.Eventually(t, func() bool {
		cmd, ok := receiver.Latest()
		return ok && cmd.Vyaw == -0.3
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_ClearOnDisconnect(t *testing.T) {
	receiver, sender := listenDial[protocol.Command](t, JSONCodec[protocol.Command]{}, func(c *EndpointConfig) {
		c.ClearOnDisconnect = true
	})

	require.NoError(t, sender.Send(protocol.Command{Vx: 0.2}))
	require.Eventually(t, func() bool {
		_, ok := receiver.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, sender.Close(time.Second))
	require.Eventually(t, func() bool {
		_, ok := receiver.Latest()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_SendWithoutPeerDrops(t *testing.T) {
	c, err := Listen[protocol.Command](context.Background(), testConfig("lonely", "127.0.0.1:0"), JSONCodec[protocol.Command]{})
	require.NoError(t, err)
	defer c.Close(time.Second)

	require.NoError(t, c.Send(protocol.Stop()))
	require.Eventually(t, func() bool {
		return c.Stats().Dropped > 0
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_SendAfterClose(t *testing.T) {
	c := newChannel[protocol.Command](testConfig("test", ""), JSONCodec[protocol.Command]{})
	require.NoError(t, c.Close(time.Second))
	assert.ErrorIs(t, c.Send(protocol.Stop()), ErrClosed)
}

func TestDial_UnreachableIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial[protocol.Command](context.Background(), testConfig("dial", addr), JSONCodec[protocol.Command]{})
	assert.ErrorIs(t, err, ErrConnection)
}

func TestListen_PortInUseIsConnectionError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen[protocol.Command](context.Background(), testConfig("listen", ln.Addr().String()), JSONCodec[protocol.Command]{})
	assert.ErrorIs(t, err, ErrConnection)
}
