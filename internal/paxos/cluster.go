package paxos

import "time"

// ClusterView is the slice of cluster membership the Paxos roles consult:
// the ordered proposers list (head is distinguished, second is the
// failover successor) and the accepters list (quorum is computed against
// its length).
type ClusterView interface {
	LocalNodeID() string
	Proposers() []string
	Accepters() []string
	Learners() []string
}

// AckMask is a bitmask over AckType values, used to tell TimedSend which
// ack types count toward breakAfterN.
type AckMask uint32

// Bit returns the single-bit mask for ack type t.
func Bit(t AckType) AckMask { return AckMask(1) << uint(t) }

// Transport is the narrow seam Paxos depends on to reach the network.
// internal/transport.UDPMultiClient satisfies it; tests substitute an
// in-memory fake.
type Transport interface {
	TimedSend(dests []string, payload []byte, timeout time.Duration, breakAfterN int, acceptedAckBits AckMask) (map[string]Ack, error)
	Send(dest string, payload []byte) error
}

// distinguishedProposer reports whether localID is the proposer that
// should act on req: normally the head of proposers, or the second
// element when req carries the FAILOVER type (the node promoting itself
// after detecting the head is unresponsive).
func distinguishedProposer(localID string, proposers []string, req *Request) bool {
	if req.Type == TypeFailover {
		return len(proposers) > 1 && proposers[1] == localID
	}
	return len(proposers) > 0 && proposers[0] == localID
}
