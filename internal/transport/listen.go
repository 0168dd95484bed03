package transport

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jbeverly/rangexx/internal/paxos"
)

// Dispatch is the set of destinations inbound Requests are routed to by
// type, matching the Proposer/Accepter/Learner/daemon role split.
type Dispatch struct {
	Accepter  *paxos.Accepter
	Proposer  *paxos.Proposer
	Learner   *paxos.Learner
	Heartbeat chan *paxos.Request
	Replay    chan *paxos.Request
}

// ListenServer is the single-threaded inbound dispatch loop: it reads
// datagrams, validates their CRC, stamps sender address/port, and hands
// each Request to the role responsible for its type.
type ListenServer struct {
	conn     net.PacketConn
	dispatch Dispatch
}

// NewListenServer wraps conn (already bound to the daemon's listen port).
func NewListenServer(conn net.PacketConn, dispatch Dispatch) *ListenServer {
	return &ListenServer{conn: conn, dispatch: dispatch}
}

// Run reads and dispatches datagrams until ctx is cancelled or the socket
// errors unrecoverably.
func (s *ListenServer) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramPayload)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])
		s.dispatchMessage(msg, addr.String())
	}
}

func (s *ListenServer) dispatchMessage(msg []byte, sender string) {
	req, err := paxos.DecodeRequest(msg)
	if err != nil {
		transportLog.Debugf("dropping malformed datagram from %s: %v", sender, err)
		return
	}
	stampSender(req, sender)

	switch req.Type {
	case paxos.TypePrepare, paxos.TypePropose:
		s.dispatch.Accepter.Deliver(req, sender)
	case paxos.TypeLearn:
		s.dispatch.Learner.Deliver(req)
	case paxos.TypeRequest, paxos.TypeFailover:
		s.dispatch.Proposer.Enqueue(req)
	case paxos.TypeHeartbeat:
		if s.dispatch.Heartbeat != nil {
			s.dispatch.Heartbeat <- req
		}
	case paxos.TypeReplay:
		if s.dispatch.Replay != nil {
			s.dispatch.Replay <- req
		}
	default:
		transportLog.Errorf("unknown request type %d from %s", req.Type, sender)
	}
}

// stampSender fills SenderAddr/SenderPort from the UDP source address, as
// a 32-bit big-endian IPv4 address and the literal port number.
func stampSender(req *paxos.Request, sender string) {
	host, portStr, err := net.SplitHostPort(sender)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host).To4(); ip != nil {
		req.SenderAddr = binary.BigEndian.Uint32(ip)
	}
	if port, err := strconv.Atoi(portStr); err == nil {
		req.SenderPort = uint32(port)
	}
}

// resolveOrLiteral returns addr unchanged when it splits as host:port and
// otherwise returns it with surrounding whitespace trimmed. It performs no
// hostname resolution.
func resolveOrLiteral(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return strings.TrimSpace(addr)
}
