package paxos

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jbeverly/rangexx/internal/rangelog"
)

var accepterLog = rangelog.For("paxos.accepter")

// Accepter implements the promise/accept half of Paxos and forwards every
// accepted value to the Learners with a locally-assigned, dense
// accepter_seq_n.
type Accepter struct {
	transport Transport
	learners  []string

	mu                  sync.Mutex
	promisedProposalNum uint64
	acceptedProposalNum uint64

	accepterSeqN uint64

	replaying int32

	incoming chan incomingRequest
}

type incomingRequest struct {
	req    *Request
	sender string
}

// NewAccepter builds an Accepter that forwards LEARN messages to learners.
func NewAccepter(transport Transport, learners []string) *Accepter {
	return &Accepter{
		transport: transport,
		learners:  learners,
		incoming:  make(chan incomingRequest, 1024),
	}
}

// Deliver hands an inbound PREPARE/PROPOSE message to the accepter's
// queue. The caller (ListenServer) supplies the sender address so the
// reply can be routed back.
func (a *Accepter) Deliver(req *Request, sender string) {
	a.incoming <- incomingRequest{req: req, sender: sender}
}

// SetReplaying pauses (true) or resumes (false) message processing; the
// daemon's bulk replay sets this, alongside the Learner's own flag, while
// it streams a peer's log so the accepter does not acknowledge state it
// has not applied yet.
func (a *Accepter) SetReplaying(replaying bool) {
	if replaying {
		atomic.StoreInt32(&a.replaying, 1)
	} else {
		atomic.StoreInt32(&a.replaying, 0)
	}
}

func (a *Accepter) isReplaying() bool {
	return atomic.LoadInt32(&a.replaying) != 0
}

// IsReplaying reports whether message processing is paused by SetReplaying.
func (a *Accepter) IsReplaying() bool { return a.isReplaying() }

// Run drains the incoming queue until ctx is cancelled, pausing entirely
// while isReplaying is true.
func (a *Accepter) Run(ctx context.Context) {
	for {
		if a.isReplaying() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case in := <-a.incoming:
			a.handle(in)
		}
	}
}

func (a *Accepter) handle(in incomingRequest) {
	switch in.req.Type {
	case TypePrepare:
		a.handlePrepare(in)
	case TypePropose:
		a.handlePropose(in)
	default:
		accepterLog.Warningf("accepter ignoring message type %d", in.req.Type)
	}
}

func (a *Accepter) handlePrepare(in incomingRequest) {
	a.mu.Lock()
	n := in.req.ProposalNum
	if n <= a.promisedProposalNum {
		promised := a.promisedProposalNum
		a.mu.Unlock()
		a.reply(in.sender, &Ack{Type: TypeNack, ProposalNum: promised, RequestID: in.req.RequestID, ClientID: in.req.ClientID})
		return
	}
	a.promisedProposalNum = n
	a.mu.Unlock()
	a.reply(in.sender, &Ack{Type: TypePromise, ProposalNum: n, RequestID: in.req.RequestID, ClientID: in.req.ClientID})
}

func (a *Accepter) handlePropose(in incomingRequest) {
	a.mu.Lock()
	n := in.req.ProposalNum
	if n != a.promisedProposalNum || n <= a.acceptedProposalNum {
		promised := a.promisedProposalNum
		a.mu.Unlock()
		a.reply(in.sender, &Ack{Type: TypeNack, ProposalNum: promised, RequestID: in.req.RequestID, ClientID: in.req.ClientID})
		return
	}
	a.acceptedProposalNum = n
	a.accepterSeqN++
	seq := a.accepterSeqN
	a.mu.Unlock()

	a.reply(in.sender, &Ack{Type: TypeAccepted, ProposalNum: n, RequestID: in.req.RequestID, ClientID: in.req.ClientID})

	learn := *in.req
	learn.Type = TypeLearn
	learn.SequenceNum = seq
	a.forwardLearn(&learn)
}

func (a *Accepter) reply(sender string, ack *Ack) {
	payload, err := EncodeAck(ack)
	if err != nil {
		accepterLog.Errorf("encode ack: %v", err)
		return
	}
	if err := a.transport.Send(sender, payload); err != nil {
		accepterLog.Errorf("send ack to %s: %v", sender, err)
	}
}

func (a *Accepter) forwardLearn(req *Request) {
	payload, err := EncodeRequest(req)
	if err != nil {
		accepterLog.Errorf("encode learn: %v", err)
		return
	}
	for _, l := range a.learners {
		if err := a.transport.Send(l, payload); err != nil {
			accepterLog.Errorf("forward learn to %s: %v", l, err)
		}
	}
}
