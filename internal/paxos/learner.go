package paxos

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jbeverly/rangexx/internal/rangelog"
)

var learnerLog = rangelog.For("paxos.learner")

// ApplyFunc invokes the write-API symbol table entry named by method with
// args, returning success and a result code/reason on failure.
type ApplyFunc func(method string, args []string) (ok bool, code uint32, reason string)

type pendingLearn struct {
	request    *Request
	seenCount  int
	needed     int
	firstSeen  time.Time
	lastSeen   time.Time
}

// Learner accumulates LEARN messages per proposal number and applies the
// first one to reach quorum, strictly in ascending proposal-number order.
type Learner struct {
	localNodeID   string
	needed        int
	apply         ApplyFunc
	ackQueue      chan Ack
	storedTimeout time.Duration

	mu      sync.Mutex
	pending map[uint64]*pendingLearn

	replaying int32
}

// NewLearner builds a Learner that requires needed LEARN confirmations
// (quorum over the accepters list) before applying a proposal.
func NewLearner(localNodeID string, needed int, apply ApplyFunc, storedTimeout time.Duration) *Learner {
	return &Learner{
		localNodeID:   localNodeID,
		needed:        needed,
		apply:         apply,
		ackQueue:      make(chan Ack, 1024),
		storedTimeout: storedTimeout,
		pending:       make(map[uint64]*pendingLearn),
	}
}

// IsReplaying reports whether the Learner is mid bulk-catch-up. The
// Accepter does not read this flag; it is paused through its own
// SetReplaying.
func (l *Learner) IsReplaying() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayingLocked()
}

func (l *Learner) replayingLocked() bool { return l.replaying != 0 }

// SetReplaying toggles replay mode.
func (l *Learner) SetReplaying(replaying bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if replaying {
		l.replaying = 1
	} else {
		l.replaying = 0
	}
}

// Acks returns the channel of Ack values produced for requests whose
// client_id belongs to this node, for the request queue's MQ forwarder to
// relay back to the waiting client.
func (l *Learner) Acks() <-chan Ack { return l.ackQueue }

// Deliver records one LEARN message toward its proposal number's quorum.
func (l *Learner) Deliver(req *Request) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.pending[req.ProposalNum]
	if !ok {
		entry = &pendingLearn{request: req, needed: l.needed, firstSeen: time.Now()}
		l.pending[req.ProposalNum] = entry
	}
	if entry.request.CRC == req.CRC {
		entry.seenCount++
		entry.lastSeen = time.Now()
	}
}

// Tick applies the lowest-numbered pending proposal if it has reached
// quorum, then garbage-collects stale entries that never did; higher
// numbers wait until the lowest is applied or collected. It is meant
// to be called repeatedly from the Learner's own goroutine loop.
func (l *Learner) Tick() {
	l.mu.Lock()
	lowest, entry := l.lowestReady()
	if entry != nil {
		delete(l.pending, lowest)
	}
	var stale []uint64
	now := time.Now()
	for n, e := range l.pending {
		if e.seenCount < e.needed && now.Sub(e.firstSeen) > l.storedTimeout {
			stale = append(stale, n)
		}
	}
	for _, n := range stale {
		delete(l.pending, n)
	}
	l.mu.Unlock()

	if entry != nil {
		l.applyAndAck(entry.request)
	}
}

// lowestReady returns the lowest proposal number in pending if its
// seenCount has reached quorum, or (0, nil) if it has not or pending is
// empty.
func (l *Learner) lowestReady() (uint64, *pendingLearn) {
	var lowest uint64
	var found *pendingLearn
	for n, e := range l.pending {
		if found == nil || n < lowest {
			lowest, found = n, e
		}
	}
	if found == nil || found.seenCount < found.needed {
		return 0, nil
	}
	return lowest, found
}

func (l *Learner) applyAndAck(req *Request) {
	ok, code, reason := l.apply(req.Method, req.Args)

	if !strings.HasPrefix(req.ClientID, l.localNodeID+"|") {
		return
	}
	l.ackQueue <- Ack{
		Type:      TypeAck,
		Status:    ok,
		Code:      code,
		Reason:    reason,
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
	}
}

// Run calls Tick on a short interval until ctx is cancelled.
func (l *Learner) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}
