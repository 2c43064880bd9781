// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/ring"
	"grimm.is/ptables/internal/rules"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	engine := rules.NewEngine()
	ringBuf, err := ring.New(10)
	require.NoError(t, err)
	pipeline := filter.NewPipeline(filter.NewRegistry(0), engine, ringBuf)

	socket := filepath.Join(t.TempDir(), "control.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := NewServer(pipeline, engine, ringBuf, nil, socket)
	srv.StartWithListener(listener)
	t.Cleanup(srv.Stop)
	return srv, socket
}

func TestPingRoundTrip(t *testing.T) {
	_, socket := startTestServer(t)

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.Ping([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestSecondSessionRejectedBusy(t *testing.T) {
	_, socket := startTestServer(t)

	first, err := Dial(socket)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Ping(nil)
	require.NoError(t, err)

	second, err := Dial(socket)
	require.NoError(t, err)
	defer second.Close()

	_, err = second.Ping(nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindBusy, errors.GetKind(err))

	// Closing the first session frees the slot.
	require.NoError(t, first.Close())

	var third *Client
	require.Eventually(t, func() bool {
		c, err := Dial(socket)
		if err != nil {
			return false
		}
		if _, err := c.Ping(nil); err != nil {
			c.Close()
			return false
		}
		third = c
		return true
	}, 2*time.Second, 10*time.Millisecond, "slot was not released after close")
	third.Close()
}

func TestRuleSetUpdateFlowsToInstances(t *testing.T) {
	srv, socket := startTestServer(t)

	id, err := srv.pipeline.Attach("eth0")
	require.NoError(t, err)

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	rs, _ := json.Marshal(rules.RuleSet{
		DefaultAction: "drop",
		Rules: []rules.Rule{
			{Name: "dns", Action: "capture", Protocol: "udp", DstPort: 53},
		},
	})
	version, err := c.UpdateRuleSet(rs)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	inst, ok := srv.pipeline.Registry().Get(id)
	require.True(t, ok)
	assert.EqualValues(t, 1, inst.RuleSetVersion())

	// A broken rule set must not bump the version.
	_, err = c.UpdateRuleSet([]byte(`{"default_action":"explode"}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.EqualValues(t, 1, srv.engine.Version())
}

func TestStatsQuery(t *testing.T) {
	srv, socket := startTestServer(t)

	_, err := srv.engine.Load(rules.RuleSet{DefaultAction: "allow"})
	require.NoError(t, err)
	id, err := srv.pipeline.Attach("eth0")
	require.NoError(t, err)
	require.NoError(t, srv.pipeline.Restart(id))

	batch := filter.Batch{
		filter.NewPacket(nil, rules.PacketMetadata{DstPort: 80}),
	}
	out, err := srv.pipeline.InboundAccept(id, batch)
	require.NoError(t, err)
	require.NoError(t, srv.pipeline.InboundComplete(id, out))

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	stats, err := c.Stats()
	require.NoError(t, err)
	require.Len(t, stats.Instances, 1)
	assert.Equal(t, "eth0", stats.Instances[0].Adapter)
	assert.Equal(t, "running", stats.Instances[0].State)
	assert.EqualValues(t, 1, stats.Instances[0].Allowed)
	assert.EqualValues(t, 0, stats.Instances[0].PendingReceive)
	assert.EqualValues(t, 1<<10, stats.RingCapacity)
	assert.EqualValues(t, 1, stats.RuleSetVersion)
}

func TestRingDrainDeliversCaptureRecords(t *testing.T) {
	srv, socket := startTestServer(t)

	payload := []byte(`{"probe":true}`)
	framed := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[4:], payload)
	require.NoError(t, srv.ring.Write(framed))

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.DrainRing(0, false)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(out, framed), "drained bytes differ from written record")
	assert.EqualValues(t, 0, srv.ring.Len())
}

func TestWaitingDrainDeliversLateData(t *testing.T) {
	srv, socket := startTestServer(t)

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.ring.Write([]byte("late"))
	}()

	out, err := c.DrainRing(0, true)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), out)
}

func TestDrainWithoutWaitReturnsImmediately(t *testing.T) {
	_, socket := startTestServer(t)

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	out, err := c.DrainRing(0, false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Less(t, time.Since(start), time.Second, "non-waiting drain blocked")
}

func TestDrainSizeHintLimitsChunk(t *testing.T) {
	srv, socket := startTestServer(t)
	require.NoError(t, srv.ring.Write([]byte("0123456789")))

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	out, err := c.DrainRing(4, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), out)

	rest, err := c.DrainRing(0, false)
	require.NoError(t, err)
	assert.Equal(t, []byte("456789"), rest)
}

func TestStopClosesIdleSession(t *testing.T) {
	srv, socket := startTestServer(t)

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Ping(nil)
	require.NoError(t, err)

	// The client stays connected but idle; Stop must not wait on it.
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return with an idle session connected")
	}
}

func TestDeadDrainClientFreesSlot(t *testing.T) {
	_, socket := startTestServer(t)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)

	// Suspend the session in a waiting drain on an empty ring, then die.
	payload := []byte{0, 0, 0, 0, 1}
	require.NoError(t, writeFrame(conn, uint32(OpRingDrain), payload))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())

	// The slot must come free well before the drain wait window expires.
	require.Eventually(t, func() bool {
		c, err := Dial(socket)
		if err != nil {
			return false
		}
		defer c.Close()
		_, err = c.Ping(nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "slot still held after drain client died")
}

func TestCloseInterruptsWaitingDrain(t *testing.T) {
	_, socket := startTestServer(t)

	c, err := Dial(socket)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.DrainRing(0, true)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the in-flight drain")
	}
}

func TestUnknownOpcodeRejected(t *testing.T) {
	_, socket := startTestServer(t)

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, 0xdead, nil))
	status, body, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, StatusValidation, Status(status))
	assert.Contains(t, string(body), "unknown opcode")
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(OpPing))
	binary.LittleEndian.PutUint32(hdr[4:8], MaxPayload+1)
	buf.Write(hdr[:])

	_, _, err := readFrame(&buf)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
