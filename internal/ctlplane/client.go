// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"grimm.is/ptables/internal/errors"
)

// Client is the management side of the control channel. A client owns the
// single session for its lifetime; requests on one client are serialized.
// Close may be called from any goroutine and aborts an in-flight request.
type Client struct {
	reqMu  sync.Mutex // serializes requests, never held by Close
	conn   net.Conn
	closed atomic.Bool
}

// Dial opens the control session. A second concurrent session anywhere on
// the system fails with a busy error.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindResource, "connecting to %s", socketPath)
	}
	return &Client{conn: conn}, nil
}

// Close ends the session, releasing the slot for the next client. Closing
// the conn outside the request mutex lets a blocked call (a waiting drain,
// typically) fail out instead of pinning Close for the wait window.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// call sends one request frame and reads its response. A busy rejection sent
// in place of a response is surfaced as the response's own status.
func (c *Client) call(op Opcode, payload []byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.closed.Load() {
		return nil, errors.New(errors.KindState, "client is closed")
	}

	if err := writeFrame(c.conn, uint32(op), payload); err != nil {
		// A rejected session gets a status frame before the server hangs
		// up; that explains the failure better than the broken pipe does.
		if status, reply, rerr := readFrame(c.conn); rerr == nil && Status(status) != StatusOK {
			return nil, errorFor(Status(status), string(reply))
		}
		return nil, errors.Wrap(err, errors.KindResource, "writing control request")
	}
	status, reply, err := readFrame(c.conn)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindResource, "reading control response")
	}
	if Status(status) != StatusOK {
		return nil, errorFor(Status(status), string(reply))
	}
	return reply, nil
}

// Ping round-trips a payload through the server.
func (c *Client) Ping(payload []byte) ([]byte, error) {
	return c.call(OpPing, payload)
}

// UpdateRuleSet installs a JSON rule set and returns the new version.
func (c *Client) UpdateRuleSet(ruleSetJSON []byte) (uint64, error) {
	reply, err := c.call(OpRuleSetUpdate, ruleSetJSON)
	if err != nil {
		return 0, err
	}
	var r RuleSetUpdateReply
	if err := json.Unmarshal(reply, &r); err != nil {
		return 0, errors.Wrap(err, errors.KindInternal, "decoding update reply")
	}
	return r.Version, nil
}

// Stats fetches the current counter snapshot.
func (c *Client) Stats() (StatsReply, error) {
	reply, err := c.call(OpStatsQuery, nil)
	if err != nil {
		return StatsReply{}, err
	}
	var r StatsReply
	if err := json.Unmarshal(reply, &r); err != nil {
		return StatsReply{}, errors.Wrap(err, errors.KindInternal, "decoding stats reply")
	}
	return r, nil
}

// DrainRing reads up to max bytes of captured records from the ring
// (max 0 accepts the server's default chunk). Without wait an empty ring
// returns an empty result immediately; with it the server suspends until
// data arrives or its wait window expires, so an empty result then means
// the ring stayed empty for the whole window.
func (c *Client) DrainRing(max uint32, wait bool) ([]byte, error) {
	payload := make([]byte, 5)
	binary.LittleEndian.PutUint32(payload, max)
	if wait {
		payload[4] = 1
	}
	return c.call(OpRingDrain, payload)
}
