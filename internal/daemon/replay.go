package daemon

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/jbeverly/rangexx/internal/graph"
	"github.com/jbeverly/rangexx/internal/kv"
	"github.com/jbeverly/rangexx/internal/paxos"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var replayLog = rangelog.For("daemon.replay")

const replayClientID = "replay"

// Replay drives a fresh daemon's bulk catch-up: it asks one randomly
// chosen peer for its transaction log, oldest entry first, and applies
// each one locally with Paxos short-circuited.
type Replay struct {
	peers     []string
	timeout   time.Duration
	transport paxos.Transport
	apply     paxos.ApplyFunc
	learner   *paxos.Learner
	accepter  *paxos.Accepter
	rng       *rand.Rand
}

// NewReplay builds a Replay that can query any of peers (which must
// exclude the local node's own address), waiting up to timeout for each
// entry request.
func NewReplay(peers []string, timeout time.Duration, transport paxos.Transport, apply paxos.ApplyFunc, learner *paxos.Learner, accepter *paxos.Accepter, rng *rand.Rand) *Replay {
	return &Replay{peers: peers, timeout: timeout, transport: transport, apply: apply, learner: learner, accepter: accepter, rng: rng}
}

// Run picks a peer at random and streams its log from the first retained
// entry to the last, applying each. The Learner and Accepter are held in
// replaying mode for the duration so the local Accepter does not promise
// or accept state this node has not applied yet.
func (r *Replay) Run(ctx context.Context) error {
	if len(r.peers) == 0 {
		replayLog.Info("no peers configured, skipping replay")
		return nil
	}
	peer := r.peers[r.rng.Intn(len(r.peers))]
	replayLog.Infof("replaying from %s", peer)

	r.learner.SetReplaying(true)
	r.accepter.SetReplaying(true)
	defer func() {
		r.learner.SetReplaying(false)
		r.accepter.SetReplaying(false)
	}()

	var (
		seq     uint64
		applied int
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req := &paxos.Request{Type: paxos.TypeReplay, ClientID: replayClientID, SequenceNum: seq}
		payload, err := paxos.EncodeRequest(req)
		if err != nil {
			return fmt.Errorf("daemon: encode replay request: %w", err)
		}

		acks, err := r.transport.TimedSend([]string{peer}, payload, r.timeout, 1, paxos.Bit(paxos.TypeAck))
		if err != nil {
			return fmt.Errorf("daemon: replay request to %s: %w", peer, err)
		}
		ack, ok := acks[peer]
		if !ok || !ack.Status {
			break
		}

		entry, err := base64.StdEncoding.DecodeString(ack.Reason)
		if err != nil {
			return fmt.Errorf("daemon: decode replay entry: %w", err)
		}
		txnReq := graph.DecodeTxnRequest(entry)
		if okApply, code, reason := r.apply(txnReq.Action, txnReq.Args); !okApply {
			replayLog.Warningf("replay entry %d (%s) rejected: code=%d reason=%s", ack.Code, txnReq.Action, code, reason)
		}

		applied++
		seq = uint64(ack.Code) + 1
	}

	replayLog.Infof("replay from %s complete: %d entries applied", peer, applied)
	return nil
}

// ServeReplayRequests answers REPLAY requests from peers still catching
// up, reading from ch (the ListenServer's TypeReplay dispatch channel)
// until ctx is cancelled.
func ServeReplayRequests(ctx context.Context, ch <-chan *paxos.Request, backend kv.Backend, transport paxos.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ch:
			respondToReplay(req, backend, transport)
		}
	}
}

func respondToReplay(req *paxos.Request, backend kv.Backend, transport paxos.Transport) {
	var (
		entrySeq uint64
		entry    []byte
		err      error
	)
	if req.SequenceNum == 0 {
		entrySeq, entry, err = backend.TxnFirst()
	} else {
		entrySeq = req.SequenceNum
		entry, err = backend.TxnFind(entrySeq)
	}

	ack := &paxos.Ack{Type: paxos.TypeAck, ClientID: req.ClientID, RequestID: req.RequestID}
	if err != nil {
		ack.Status = false
	} else {
		ack.Status = true
		ack.Code = uint32(entrySeq)
		ack.Reason = base64.StdEncoding.EncodeToString(entry)
	}

	payload, encErr := paxos.EncodeAck(ack)
	if encErr != nil {
		replayLog.Errorf("encode replay ack: %v", encErr)
		return
	}
	dest := senderAddr(req)
	if dest == "" {
		replayLog.Warningf("replay request from %s has no usable return address", req.ClientID)
		return
	}
	if err := transport.Send(dest, payload); err != nil {
		replayLog.Errorf("send replay ack to %s: %v", dest, err)
	}
}

// senderAddr reassembles the "host:port" the ListenServer stamped onto
// req.SenderAddr/SenderPort, the inverse of the listener's own stamping.
func senderAddr(req *paxos.Request) string {
	if req.SenderAddr == 0 {
		return ""
	}
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, req.SenderAddr)
	return fmt.Sprintf("%s:%d", ip.String(), req.SenderPort)
}
