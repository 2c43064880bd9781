// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/ptables/internal/audit"
	"grimm.is/ptables/internal/errors"
	"grimm.is/ptables/internal/filter"
	"grimm.is/ptables/internal/logging"
	"grimm.is/ptables/internal/metrics"
	"grimm.is/ptables/internal/ring"
	"grimm.is/ptables/internal/rules"
)

// DefaultDrainChunk is how many ring bytes one RingDrain response carries at
// most when the client gives no size hint.
const DefaultDrainChunk = 64 * 1024

// drainWait bounds how long a waiting RingDrain suspends for data before
// returning an empty success.
const drainWait = 30 * time.Second

// Server owns the control socket. It enforces the single-session rule,
// dispatches request frames and feeds the metrics collector.
type Server struct {
	pipeline *filter.Pipeline
	engine   *rules.Engine
	ring     *ring.Buffer
	auditLog *audit.Logger
	log      *logging.Logger
	registry *metrics.Registry

	socketPath string
	listener   net.Listener

	sessionActive atomic.Bool
	sessionMu     sync.Mutex
	sessionConn   net.Conn

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer wires a control server over the filter core. auditLog may be nil.
func NewServer(p *filter.Pipeline, e *rules.Engine, r *ring.Buffer, auditLog *audit.Logger, socketPath string) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if auditLog == nil {
		auditLog = audit.NewLogger(nil, nil)
	}
	return &Server{
		pipeline:   p,
		engine:     e,
		ring:       r,
		auditLog:   auditLog,
		log:        logging.WithComponent("ctlplane"),
		registry:   metrics.Get(),
		socketPath: socketPath,
	}
}

// Start listens on the unix socket and begins accepting sessions.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return errors.Wrap(err, errors.KindResource, "creating socket directory")
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindResource, "listening on %s", s.socketPath)
	}
	// Owner-only: the control channel can rewrite the rule set.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return errors.Wrap(err, errors.KindResource, "setting socket permissions")
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("Control plane listening", "socket", s.socketPath)
	return nil
}

// StartWithListener starts the server on an existing listener. Tests use it
// to avoid touching the default socket path.
func (s *Server) StartWithListener(listener net.Listener) {
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener, severs the active session and waits for it to
// end. An idle or suspended session must not be able to hold up shutdown.
func (s *Server) Stop() {
	s.closed.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessionMu.Lock()
	if s.sessionConn != nil {
		s.sessionConn.Close()
	}
	s.sessionMu.Unlock()
	s.wg.Wait()
}

func (s *Server) setSessionConn(conn net.Conn) {
	s.sessionMu.Lock()
	s.sessionConn = conn
	s.sessionMu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.log.WithError(err).Warn("Accept failed")
			continue
		}

		if !s.sessionActive.CompareAndSwap(false, true) {
			// Session slot taken: answer busy and hang up. The client sees
			// the status before the close.
			s.registry.ControlBusy.Inc()
			s.auditLog.Failure(context.Background(), audit.EventSessionDenied,
				"open control session", errors.New(errors.KindBusy, "session already active"))
			writeFrame(conn, uint32(StatusBusy), []byte("control session already active"))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleSession(conn)
	}
}

type request struct {
	op      Opcode
	payload []byte
}

func (s *Server) handleSession(conn net.Conn) {
	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s.setSessionConn(conn)
	s.registry.ControlSessions.Inc()
	s.auditLog.LogEvent(ctx, audit.Event{
		EventType: audit.EventSessionOpen,
		SessionID: sessionID,
		Action:    "open control session",
		Success:   true,
	})

	defer func() {
		cancel()
		conn.Close()
		s.setSessionConn(nil)
		s.sessionActive.Store(false)
		s.auditLog.LogEvent(context.Background(), audit.Event{
			EventType: audit.EventSessionClose,
			SessionID: sessionID,
			Action:    "close control session",
			Success:   true,
		})
		s.wg.Done()
	}()

	// Frames are read on a separate goroutine so a dead peer cancels the
	// session ctx even while a dispatch is suspended in a ring read.
	// Abnormal teardown must release the slot immediately, not after the
	// drain wait expires.
	requests := make(chan request)
	go func() {
		defer close(requests)
		for {
			op, payload, err := readFrame(conn)
			if err != nil {
				// EOF is the normal session end; anything else is logged
				// and ends the session the same way.
				if !s.closed.Load() {
					s.log.Debug("Session read ended", "session_id", sessionID, "reason", err.Error())
				}
				cancel()
				return
			}
			select {
			case requests <- request{op: Opcode(op), payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for req := range requests {
		status, reply := s.dispatch(ctx, sessionID, req.op, req.payload)
		s.registry.ControlRequests.WithLabelValues(req.op.String(), statusLabel(status)).Inc()

		if err := writeFrame(conn, uint32(status), reply); err != nil {
			if !s.closed.Load() {
				s.log.WithError(err).Warn("Session write failed", "session_id", sessionID)
			}
			return
		}
	}
}

func statusLabel(st Status) string {
	if st == StatusOK {
		return "ok"
	}
	return "error"
}

func (s *Server) dispatch(ctx context.Context, sessionID string, op Opcode, payload []byte) (Status, []byte) {
	switch op {
	case OpPing:
		return StatusOK, payload

	case OpRuleSetUpdate:
		return s.handleRuleSetUpdate(ctx, sessionID, payload)

	case OpStatsQuery:
		reply, err := json.Marshal(s.statsReply())
		if err != nil {
			return StatusInternal, []byte(err.Error())
		}
		return StatusOK, reply

	case OpRingDrain:
		return s.handleRingDrain(ctx, payload)

	default:
		return StatusValidation, []byte("unknown opcode")
	}
}

func (s *Server) handleRuleSetUpdate(ctx context.Context, sessionID string, payload []byte) (Status, []byte) {
	version, err := s.engine.LoadJSON(payload)
	if err != nil {
		s.auditLog.LogEvent(ctx, audit.Event{
			EventType:    audit.EventRuleSetReject,
			SessionID:    sessionID,
			Severity:     audit.SeverityWarn,
			Action:       "update rule set",
			ErrorMessage: err.Error(),
		})
		s.registry.RuleSetReload.WithLabelValues("error").Inc()
		return statusFor(err), []byte(err.Error())
	}

	s.pipeline.SetRuleSetVersion(version)
	s.registry.RuleSetReload.WithLabelValues("ok").Inc()
	s.auditLog.LogEvent(ctx, audit.Event{
		EventType: audit.EventRuleSetUpdate,
		SessionID: sessionID,
		Action:    "update rule set",
		Success:   true,
		Metadata:  map[string]any{"version": version},
	})

	reply, err := json.Marshal(RuleSetUpdateReply{Version: version})
	if err != nil {
		return StatusInternal, []byte(err.Error())
	}
	return StatusOK, reply
}

// handleRingDrain drains available ring bytes. The payload optionally
// carries a 4-byte size hint and a wait flag byte; without the flag the
// drain never blocks, with it the read suspends until data arrives, the
// wait window expires or the session dies.
func (s *Server) handleRingDrain(ctx context.Context, payload []byte) (Status, []byte) {
	chunk := uint32(DefaultDrainChunk)
	wait := false
	if len(payload) >= 4 {
		if hint := binary.LittleEndian.Uint32(payload); hint > 0 && hint < chunk {
			chunk = hint
		}
	}
	if len(payload) >= 5 {
		wait = payload[4] != 0
	}

	buf := make([]byte, chunk)
	if !wait {
		n := s.ring.Read(buf)
		return StatusOK, buf[:n]
	}

	waitCtx, cancel := context.WithTimeout(ctx, drainWait)
	defer cancel()

	n, err := s.ring.ReadWait(waitCtx, buf)
	if err != nil {
		// Timeout or session end while empty: an empty success, so the
		// client's drain loop stays simple.
		if errors.GetKind(err) == errors.KindUnavailable {
			return StatusOK, nil
		}
		return statusFor(err), []byte(err.Error())
	}
	return StatusOK, buf[:n]
}

// statsReply assembles the wire stats view from the filter core and ring.
func (s *Server) statsReply() StatsReply {
	reply := StatsReply{
		RingUsed:       s.ring.Len(),
		RingCapacity:   s.ring.Capacity(),
		CaptureDrops:   s.pipeline.CaptureDrops(),
		RuleEvalErrors: s.pipeline.RuleEvalErrors(),
		RuleSetVersion: s.engine.Version(),
	}
	for _, st := range s.pipeline.Snapshot() {
		reply.Instances = append(reply.Instances, InstanceStats{
			ID:             uint64(st.ID),
			Adapter:        st.Adapter,
			State:          st.State,
			StateCode:      st.StateCode,
			PendingSend:    st.PendingSend,
			PendingReceive: st.PendingReceive,
			RuleSetVersion: st.RuleSetVersion,
			Allowed:        st.Allowed,
			Dropped:        st.Dropped,
			Captured:       st.Captured,
			Bypassed:       st.Bypassed,
		})
	}
	return reply
}

// Sample implements metrics.Source for the collector.
func (s *Server) Sample() metrics.Snapshot {
	snap := metrics.Snapshot{
		RingUsed:       s.ring.Len(),
		RingCapacity:   s.ring.Capacity(),
		CaptureDrops:   s.pipeline.CaptureDrops(),
		RuleEvalErrors: s.pipeline.RuleEvalErrors(),
		RuleSetVersion: s.engine.Version(),
	}
	for _, st := range s.pipeline.Snapshot() {
		snap.Adapters = append(snap.Adapters, metrics.AdapterSample{
			Adapter:        st.Adapter,
			State:          st.State,
			StateCode:      st.StateCode,
			PendingSend:    st.PendingSend,
			PendingReceive: st.PendingReceive,
			Allowed:        st.Allowed,
			Dropped:        st.Dropped,
			Captured:       st.Captured,
			Bypassed:       st.Bypassed,
		})
	}
	return snap
}

var _ metrics.Source = (*Server)(nil)
