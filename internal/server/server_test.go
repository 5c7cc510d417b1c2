package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

func testConfig(codecName string) Config {
	cfg := *NewConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Codec = codecName
	return cfg
}

// startRelay starts a relay on a loopback port and stops it with the test.
func startRelay(t *testing.T, cfg Config) *Relay {
	t.Helper()
	relay, err := New(cfg, WithLogger(testutil.Logger()))
	require.NoError(t, err)
	require.NoError(t, relay.Start())
	t.Cleanup(func() { _ = relay.Stop() })
	return relay
}

func waitForClients(t *testing.T, relay *Relay, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return relay.Registry().Len() == n },
		testutil.DefaultTimeout, 5*time.Millisecond, "expected %d clients", n)
}

// gatheredValue reads a counter or gauge from the relay's registry. It
// returns 0 for a series that has not been recorded yet.
func gatheredValue(t *testing.T, relay *Relay, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := relay.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue() + metric.GetGauge().GetValue()
		}
	}
	return 0
}

// TestNewRejectsInvalidConfig tests configuration validation in New.
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("json")
	_, err := New(cfg)
	require.Error(t, err)

	cfg = testConfig("binary")
	cfg.OutboxSize = -1 // sanitized to the default
	relay, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, "binary", relay.Codec().Name())
	require.Equal(t, defaultOutboxSize, relay.Config().OutboxSize)
	require.Equal(t, StateCreated, relay.State())
	require.Nil(t, relay.Addr())
}

// TestStartBindError tests that a bind failure is reported as *BindError
// and leaves the relay startable.
func TestStartBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig("text")
	cfg.ListenAddr = occupied.Addr().String()
	relay, err := New(cfg, WithLogger(testutil.Logger()))
	require.NoError(t, err)

	err = relay.Start()
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	require.Equal(t, cfg.ListenAddr, bindErr.Addr)
	require.NotNil(t, errors.Unwrap(err))
	require.Equal(t, StateCreated, relay.State())
}

// TestRelayLifecycle tests the state machine and idempotent stop.
func TestRelayLifecycle(t *testing.T) {
	relay := startRelay(t, testConfig("text"))
	require.Equal(t, StateAccepting, relay.State())
	require.NotNil(t, relay.Addr())

	require.ErrorIs(t, relay.Start(), ErrAlreadyStarted)

	require.NoError(t, relay.Stop())
	require.Equal(t, StateStopped, relay.State())
	require.NoError(t, relay.Stop(), "Stop should be idempotent")

	require.ErrorIs(t, relay.Start(), ErrServerClosed)

	_, err := net.DialTimeout("tcp", relay.Addr().String(), time.Second)
	require.Error(t, err, "listener should be closed")

	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()
	_, err = relay.Attach(serverEnd)
	require.ErrorIs(t, err, ErrServerClosed)
}

// TestAttachRacingShutdown tests connections attached while the relay
// stops. Every attach either fails with ErrServerClosed or yields a client
// that Shutdown closes before returning.
func TestAttachRacingShutdown(t *testing.T) {
	for range 20 {
		relay, err := New(testConfig("text"), WithLogger(testutil.Logger()))
		require.NoError(t, err)

		const attachers = 16
		clients := make(chan *Client, attachers)
		var wg sync.WaitGroup
		for range attachers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				serverEnd, clientEnd := net.Pipe()
				defer clientEnd.Close()
				client, err := relay.Attach(serverEnd)
				if err != nil {
					_ = serverEnd.Close()
					return
				}
				clients <- client
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
		require.NoError(t, relay.Shutdown(ctx))
		cancel()
		wg.Wait()
		close(clients)

		for client := range clients {
			select {
			case <-client.Done():
			case <-time.After(testutil.DefaultTimeout):
				t.Fatal("client attached during shutdown was left open")
			}
		}
		require.Eventually(t, func() bool { return relay.Registry().Len() == 0 },
			time.Second, 5*time.Millisecond)
	}
}

// TestStateString tests the state names used in logs and health output.
func TestStateString(t *testing.T) {
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "listening", StateListening.String())
	require.Equal(t, "accepting", StateAccepting.String())
	require.Equal(t, "stopped", StateStopped.String())
	require.Equal(t, "state(9)", State(9).String())
}

// TestAliceAndBob tests the two-client scenario end to end over TCP.
// Both clients receive alice's message, bob then drops without a goodbye,
// and the relay keeps serving alice alone.
func TestAliceAndBob(t *testing.T) {
	for _, name := range codec.Names() {
		t.Run(name, func(t *testing.T) {
			relay := startRelay(t, testConfig(name))
			c, err := codec.ByName(name)
			require.NoError(t, err)

			alice := testutil.DialTCP(t, relay.Addr().String(), c)
			bob := testutil.DialTCP(t, relay.Addr().String(), c)
			waitForClients(t, relay, 2)

			hello := codec.Message{SenderID: "alice", Timestamp: "10:00:00", Body: "hi"}
			alice.Send(hello)
			require.Equal(t, hello, alice.Receive())
			require.Equal(t, hello, bob.Receive())

			bob.Close()
			waitForClients(t, relay, 1)
			require.Len(t, relay.Registry().Snapshot(), 1)

			again := testutil.Message("alice", "anyone?")
			alice.Send(again)
			require.Equal(t, again, alice.Receive())
		})
	}
}

// TestPerConnectionOrdering tests that messages from one sender arrive at
// every receiver in the order they were sent.
func TestPerConnectionOrdering(t *testing.T) {
	relay := startRelay(t, testConfig("binary"))
	addr := relay.Addr().String()

	sender := testutil.DialTCP(t, addr, codec.Binary{})
	receivers := []*testutil.Peer{
		testutil.DialTCP(t, addr, codec.Binary{}),
		testutil.DialTCP(t, addr, codec.Binary{}),
	}
	waitForClients(t, relay, 3)

	const count = 200
	for i := range count {
		sender.Send(testutil.Sequenced("s", i))
	}
	for _, receiver := range append(receivers, sender) {
		for i := range count {
			require.Equal(t, testutil.Sequenced("s", i), receiver.Receive())
		}
	}
}

// TestConcurrentSenders tests two senders writing 1000 messages each at the
// same time. A third connection receives all 2000, none lost or duplicated,
// with each sender's order preserved.
func TestConcurrentSenders(t *testing.T) {
	cfg := testConfig("text")
	cfg.OutboxSize = 4096
	relay := startRelay(t, cfg)
	addr := relay.Addr().String()

	const perSender = 1000
	senders := []string{"s1", "s2"}
	conns := make([]*testutil.Peer, len(senders))
	for i := range senders {
		conns[i] = testutil.DialTCP(t, addr, codec.Text{})
	}
	observer := testutil.DialTCP(t, addr, codec.Text{})
	waitForClients(t, relay, 3)

	var wg sync.WaitGroup
	errs := make(chan error, 2*len(senders))
	for i, name := range senders {
		conn := conns[i].Conn()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := range perSender {
				if err := codec.WriteMessage(conn, codec.Text{}, testutil.Sequenced(name, n)); err != nil {
					errs <- fmt.Errorf("%s send: %w", name, err)
					return
				}
			}
		}()
		// senders also receive everything; drain so their outboxes keep moving
		peer := conns[i]
		go func() {
			defer wg.Done()
			for range perSender * len(senders) {
				if _, err := peer.TryReceive(testutil.DefaultTimeout); err != nil {
					errs <- fmt.Errorf("%s drain: %w", name, err)
					return
				}
			}
		}()
	}

	next := map[string]int{}
	for range perSender * len(senders) {
		m := observer.Receive()
		require.Equal(t, testutil.Sequenced(m.SenderID, next[m.SenderID]), m)
		next[m.SenderID]++
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, map[string]int{"s1": perSender, "s2": perSender}, next)
	observer.ExpectNothing(50 * time.Millisecond)
}

// TestMalformedFrameIsSkipped tests that a frame that fails to decode is
// discarded while the connection stays usable.
func TestMalformedFrameIsSkipped(t *testing.T) {
	relay := startRelay(t, testConfig("text"))
	peer := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	waitForClients(t, relay, 1)

	peer.SendRaw([]byte("no separators here\x00"))
	valid := testutil.Message("alice", "after garbage")
	peer.Send(valid)

	require.Equal(t, valid, peer.Receive())
	require.Equal(t, 1, relay.Registry().Len())
	require.InDelta(t, 1, gatheredValue(t, relay, "chatrelay_decode_errors_total", nil), 0)
}

// TestTextBodySeparatorsAreRelayed tests that a text frame whose body
// contains separators reaches every client with the body unchanged.
func TestTextBodySeparatorsAreRelayed(t *testing.T) {
	relay := startRelay(t, testConfig("text"))
	alice := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	bob := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	waitForClients(t, relay, 2)

	alice.SendRaw([]byte("alice|10:00:00|a|b\x00"))

	want := codec.Message{SenderID: "alice", Timestamp: "10:00:00", Body: "a|b"}
	require.Equal(t, want, bob.Receive())
	require.Equal(t, want, alice.Receive())
	require.InDelta(t, 0, gatheredValue(t, relay, "chatrelay_decode_errors_total", nil), 0)
	require.InDelta(t, 2, gatheredValue(t, relay, "chatrelay_deliveries_total", nil), 0)
}

// TestOversizedFrameClosesConnection tests the frame size limit.
func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig("text")
	cfg.MaxFrameSize = 64
	relay := startRelay(t, cfg)
	peer := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})
	waitForClients(t, relay, 1)

	huge := make([]byte, 256)
	for i := range huge {
		huge[i] = 'x'
	}
	peer.SendRaw(huge)

	waitForClients(t, relay, 0)
	_, err := peer.TryReceive(testutil.DefaultTimeout)
	require.Error(t, err, "connection should be closed")
	require.Eventually(t, func() bool {
		return gatheredValue(t, relay, "chatrelay_disconnects_total", map[string]string{"reason": "frame_too_large"}) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestAttachPipe tests that any net.Conn can join the relay.
func TestAttachPipe(t *testing.T) {
	relay := startRelay(t, testConfig("text"))
	tcp := testutil.DialTCP(t, relay.Addr().String(), codec.Text{})

	serverEnd, clientEnd := net.Pipe()
	client, err := relay.Attach(serverEnd)
	require.NoError(t, err)
	require.Equal(t, "tcp", client.Transport())
	pipe := testutil.NewPeer(t, clientEnd, codec.Text{})
	waitForClients(t, relay, 2)

	m := testutil.Message("pipe", "over memory")
	pipe.Send(m)
	require.Equal(t, m, tcp.Receive())
	require.Equal(t, m, pipe.Receive())
	require.Eventually(t, func() bool {
		return gatheredValue(t, relay, "chatrelay_accepted_connections_total", map[string]string{"transport": "tcp"}) == 2
	}, time.Second, 5*time.Millisecond)
}

// TestShutdownClosesClients tests that stopping the relay disconnects every
// client and waits for their goroutines.
func TestShutdownClosesClients(t *testing.T) {
	relay := startRelay(t, testConfig("text"))
	peers := []*testutil.Peer{
		testutil.DialTCP(t, relay.Addr().String(), codec.Text{}),
		testutil.DialTCP(t, relay.Addr().String(), codec.Text{}),
	}
	waitForClients(t, relay, 2)

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultTimeout)
	defer cancel()
	require.NoError(t, relay.Shutdown(ctx))
	require.Zero(t, relay.Registry().Len())

	for _, peer := range peers {
		_, err := peer.TryReceive(testutil.DefaultTimeout)
		require.ErrorIs(t, err, io.EOF)
	}
}

// TestServeCustomListener tests Serve with a caller-provided listener.
func TestServeCustomListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	relay, err := New(testConfig("binary"), WithLogger(testutil.Logger()))
	require.NoError(t, err)
	require.NoError(t, relay.Serve(listener))
	t.Cleanup(func() { _ = relay.Stop() })
	require.Equal(t, listener.Addr(), relay.Addr())

	peer := testutil.DialTCP(t, listener.Addr().String(), codec.Binary{})
	waitForClients(t, relay, 1)
	m := testutil.Message("solo", "echo")
	peer.Send(m)
	require.Equal(t, m, peer.Receive())
}
