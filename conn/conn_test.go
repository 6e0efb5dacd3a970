package conn_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cppla/beepd/channel"
	"github.com/cppla/beepd/conn"
	"github.com/cppla/beepd/frame"
	"github.com/cppla/beepd/internal/config"
	"github.com/cppla/beepd/profile"
	"github.com/cppla/beepd/taskpool"
)

const testProfileURI = "http://beepd.example/profiles/echo"

func newTestOptions(t *testing.T, registry *profile.Registry) conn.Options {
	t.Helper()
	pool := taskpool.New(config.ThreadPool{InitialSize: 2, MaxLimit: 4})
	t.Cleanup(pool.Close)
	return conn.Options{
		Pool:            pool,
		Registry:        registry,
		GreetingTimeout: 5 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

// dialPair establishes an initiator/listener pair over an in-memory
// net.Pipe, completing the greeting exchange on both sides.
func dialPair(t *testing.T, registry *profile.Registry) (*conn.Connection, *conn.Connection) {
	t.Helper()
	client, server := net.Pipe()

	type result struct {
		c   *conn.Connection
		err error
	}
	initCh := make(chan result, 1)
	acceptCh := make(chan result, 1)

	go func() {
		c, err := conn.New(client, newTestOptions(t, registry))
		initCh <- result{c, err}
	}()
	go func() {
		c, err := conn.Accept(server, newTestOptions(t, registry))
		acceptCh <- result{c, err}
	}()

	initR := <-initCh
	acceptR := <-acceptCh
	require.NoError(t, initR.err)
	require.NoError(t, acceptR.err)
	return initR.c, acceptR.c
}

func TestGreetingExchangeSucceeds(t *testing.T) {
	registry := profile.NewRegistry()
	registry.Register(&profile.Entry{URI: testProfileURI})

	initiator, listener := dialPair(t, registry)
	t.Cleanup(initiator.Shutdown)
	t.Cleanup(listener.Shutdown)

	assert.Contains(t, initiator.PeerProfiles, testProfileURI)
	assert.Contains(t, listener.PeerProfiles, testProfileURI)
	assert.Equal(t, conn.RoleInitiator, initiator.Role())
	assert.Equal(t, conn.RoleListener, listener.Role())
}

func TestStartChannelEchoesMessage(t *testing.T) {
	registry := profile.NewRegistry()
	registry.Register(&profile.Entry{
		URI: testProfileURI,
		OnStart: func(_, _ any, _ uint32, _ string) profile.StartResult {
			return profile.StartResult{Accept: true}
		},
		OnFrame: func(_, c any, channelNumber uint32, msg profile.Message) {
			ch, ok := c.(*conn.Connection).Channel(channelNumber)
			if !ok || msg.Type != "MSG" {
				return
			}
			_, _ = ch.Send(frame.RPY, msg.Payload, channel.SendOptions{Msgno: msg.Msgno})
		},
	})

	initiator, listener := dialPair(t, registry)
	t.Cleanup(initiator.Shutdown)
	t.Cleanup(listener.Shutdown)

	ch, err := initiator.StartChannel(conn.StartChannelOptions{Profiles: []string{testProfileURI}})
	require.NoError(t, err)
	assert.Equal(t, testProfileURI, ch.ProfileURI())

	_, waiter, err := ch.SendAndWait(frame.MSG, []byte("ping"), channel.SendOptions{})
	require.NoError(t, err)

	select {
	case result := <-waiter:
		require.NoError(t, result.Err)
		assert.Equal(t, "ping", string(result.Msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echo reply")
	}
}

func TestStartChannelRefusedForUnknownProfile(t *testing.T) {
	registry := profile.NewRegistry() // nothing registered

	initiator, listener := dialPair(t, registry)
	t.Cleanup(initiator.Shutdown)
	t.Cleanup(listener.Shutdown)

	_, err := initiator.StartChannel(conn.StartChannelOptions{Profiles: []string{testProfileURI}})
	assert.Error(t, err)
}
