// Package daemon wires the Paxos roles, transport, and heartbeat/replay
// machinery into one running node.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jbeverly/rangexx/internal/paxos"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var queueLog = rangelog.For("daemon.queue")

// NewClientID builds the "<node_id>|<pid>|<random>" identity a write
// request is tagged with, so the learner's apply-and-ack step can tell
// this node's own clients apart from another replica's while replaying
// the same committed entry. The random component comes from a uuid
// rather than a counter since it must stay unique across process
// restarts, not just within one process's lifetime.
func NewClientID(nodeID string) string {
	return fmt.Sprintf("%s|%d|%s", nodeID, os.Getpid(), uuid.NewString())
}

// requestIDSeq hands out monotonically increasing request IDs for a
// single client identity, scoped per-process since NewClientID already
// makes the identity itself unique per process.
var requestIDSeq uint64

func nextRequestID() uint64 {
	return atomic.AddUint64(&requestIDSeq, 1)
}

// SubmitWrite is the entrypoint a Graph API client uses to push a write
// through this node's queue: it stamps a fresh request_id, enqueues the
// request for the forwarder, and blocks for the matching Ack.
func SubmitWrite(ctx context.Context, q *RequestQueue, clientID, method string, args []string, timeout time.Duration) (paxos.Ack, error) {
	req := &paxos.Request{
		Type:      paxos.TypeRequest,
		Method:    method,
		Args:      args,
		ClientID:  clientID,
		RequestID: nextRequestID(),
	}
	if _, err := q.SendRequest(req); err != nil {
		return paxos.Ack{}, err
	}
	return q.AwaitAck(req.ClientID, req.RequestID, timeout)
}

// correlationKey identifies one in-flight request awaiting its Ack.
type correlationKey struct {
	clientID  string
	requestID uint64
}

// RequestQueue is the daemon's local request queue: an unnamed
// in-process bounded channel for inbound requests, plus a correlation
// table that lets AwaitAck block for the matching reply regardless of
// which goroutine produces it.
type RequestQueue struct {
	inbound chan *paxos.Request
	waiting sync.Map // correlationKey -> chan paxos.Ack
}

// NewRequestQueue builds a queue with a fixed SPSC depth.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{inbound: make(chan *paxos.Request, 1024)}
}

// SendRequest enqueues req for the MQ forwarder and returns its request_id
// for correlation.
func (q *RequestQueue) SendRequest(req *paxos.Request) (uint64, error) {
	select {
	case q.inbound <- req:
		return req.RequestID, nil
	default:
		return 0, fmt.Errorf("daemon: request queue full")
	}
}

// ReceiveRequest is the MQ forwarder's consumer side.
func (q *RequestQueue) ReceiveRequest(ctx context.Context) (*paxos.Request, error) {
	select {
	case req := <-q.inbound:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitAck blocks until an Ack correlated to (clientID, requestID) arrives
// or timeout elapses.
func (q *RequestQueue) AwaitAck(clientID string, requestID uint64, timeout time.Duration) (paxos.Ack, error) {
	key := correlationKey{clientID: clientID, requestID: requestID}
	ch := make(chan paxos.Ack, 1)
	q.waiting.Store(key, ch)
	defer q.waiting.Delete(key)

	select {
	case ack := <-ch:
		return ack, nil
	case <-time.After(timeout):
		return paxos.Ack{}, fmt.Errorf("daemon: timed out awaiting ack for %s/%d", clientID, requestID)
	}
}

// SendAck delivers ack to whichever AwaitAck call is waiting on its
// (client_id, request_id), if any goroutine is still waiting.
func (q *RequestQueue) SendAck(ack paxos.Ack) {
	key := correlationKey{clientID: ack.ClientID, requestID: ack.RequestID}
	v, ok := q.waiting.Load(key)
	if !ok {
		queueLog.Debugf("no waiter for ack %s/%d", ack.ClientID, ack.RequestID)
		return
	}
	ch := v.(chan paxos.Ack)
	select {
	case ch <- ack:
	default:
	}
}

// RunForwarder drains the Learner's ack channel and its own inbound queue,
// forwarding requests to the current proposers over send, and copying
// back any ack the Learner produces to its waiter.
func (q *RequestQueue) RunForwarder(ctx context.Context, learner *paxos.Learner, send func(req *paxos.Request) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.inbound:
			if err := send(req); err != nil {
				queueLog.Errorf("forward request %s: %v", req.Method, err)
			}
		case ack := <-learner.Acks():
			q.SendAck(ack)
		}
	}
}
