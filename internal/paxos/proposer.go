package paxos

import (
	"context"
	"hash/crc32"
	"sync"
	"time"

	"github.com/jbeverly/rangexx/internal/rangelog"
)

var proposerLog = rangelog.For("paxos.proposer")

// Proposer drives single-decree Paxos for every Request handed to it,
// gating each one on distinguishedProposer before spending any work on it.
type Proposer struct {
	nodeID         string
	proposerID     uint32
	cluster        ClusterView
	transport      Transport
	requestTimeout time.Duration

	mu          sync.Mutex
	proposalNum uint64

	queue chan *Request
}

// NewProposer builds a Proposer for nodeID, whose outgoing datagrams are
// tagged with crc32(nodeID) as the proposer_id carried on every outgoing
// datagram.
func NewProposer(nodeID string, cluster ClusterView, transport Transport, requestTimeout time.Duration) *Proposer {
	return &Proposer{
		nodeID:         nodeID,
		proposerID:     crc32.ChecksumIEEE([]byte(nodeID)),
		cluster:        cluster,
		transport:      transport,
		requestTimeout: requestTimeout,
		queue:          make(chan *Request, 1024),
	}
}

// Transport returns the Proposer's underlying transport, shared with the
// daemon's heartbeat and replay loops so they do not each dial their own.
func (p *Proposer) Transport() Transport { return p.transport }

// Enqueue hands req to the proposer's single-producer/single-consumer
// queue, blocking while the queue is full; per the concurrency model, a
// full queue is a fatal configuration error.
func (p *Proposer) Enqueue(req *Request) {
	p.queue <- req
}

// Run drains the queue until ctx is cancelled, handling one request to
// completion (or abandonment after MaxPrepareRounds) before taking the
// next.
func (p *Proposer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.queue:
			p.handle(ctx, req)
		}
	}
}

func (p *Proposer) handle(ctx context.Context, req *Request) {
	proposers := p.cluster.Proposers()
	if !distinguishedProposer(p.nodeID, proposers, req) {
		proposerLog.Debugf("dropping request %s: not distinguished proposer", req.Method)
		return
	}

	accepters := p.cluster.Accepters()
	needed := Quorum(len(accepters))

	round := 0
	for round < MaxPrepareRounds {
		round++
		n := p.nextProposalNumber()

		promised, highestSeen, ok := p.prepare(ctx, accepters, n, needed)
		if !ok {
			p.bumpTo(highestSeen)
			p.sleepBackoff(round)
			continue
		}
		_ = promised

		if p.propose(ctx, accepters, n, req, needed) {
			return
		}
		p.sleepBackoff(round)
	}
	proposerLog.Warningf("abandoning request %s after %d prepare rounds", req.Method, MaxPrepareRounds)
}

func (p *Proposer) nextProposalNumber() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proposalNum++
	return p.proposalNum
}

func (p *Proposer) bumpTo(seen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seen >= p.proposalNum {
		p.proposalNum = seen + 1
	}
}

func (p *Proposer) sleepBackoff(round int) {
	time.Sleep(time.Duration(TriangularBackoff(round)) * 10 * time.Millisecond)
}

// prepare fans out PREPARE(n) to every accepter and waits up to
// requestTimeout/3 or quorum PROMISE acks, whichever comes first. It
// returns whether quorum was reached and the highest proposal number seen
// in any NACK (used to pick the next number to try).
func (p *Proposer) prepare(ctx context.Context, accepters []string, n uint64, needed int) (bool, uint64, bool) {
	req := &Request{Type: TypePrepare, ProposerID: p.proposerID, ProposalNum: n}
	payload, err := EncodeRequest(req)
	if err != nil {
		proposerLog.Errorf("encode prepare: %v", err)
		return false, 0, false
	}

	acks, err := p.transport.TimedSend(accepters, payload, p.requestTimeout/3, needed, Bit(TypePromise))
	if err != nil {
		proposerLog.Errorf("prepare send: %v", err)
		return false, 0, false
	}

	promises := 0
	var highestSeen uint64
	for _, ack := range acks {
		switch ack.Type {
		case TypePromise:
			promises++
		case TypeNack:
			if ack.ProposalNum > highestSeen {
				highestSeen = ack.ProposalNum
			}
		}
	}
	return promises >= needed, highestSeen, promises >= needed
}

// propose fans out PROPOSE(n, req) and waits for quorum ACCEPTED.
func (p *Proposer) propose(ctx context.Context, accepters []string, n uint64, req *Request, needed int) bool {
	out := *req
	out.Type = TypePropose
	out.ProposerID = p.proposerID
	out.ProposalNum = n
	payload, err := EncodeRequest(&out)
	if err != nil {
		proposerLog.Errorf("encode propose: %v", err)
		return false
	}

	acks, err := p.transport.TimedSend(accepters, payload, p.requestTimeout/3, needed, Bit(TypeAccepted))
	if err != nil {
		proposerLog.Errorf("propose send: %v", err)
		return false
	}

	accepted := 0
	for _, ack := range acks {
		if ack.Type == TypeAccepted {
			accepted++
		}
	}
	return accepted >= needed
}
