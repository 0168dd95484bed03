package daemon

import (
	"context"
	"time"

	"github.com/jbeverly/rangexx/internal/paxos"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var heartbeatLog = rangelog.For("daemon.heartbeat")

// heartbeatClientID tags the synthetic write requests a Heartbeat issues
// itself, distinct from any real client's request stream.
const heartbeatClientID = "heartbeat"

// Heartbeat pings the local node's predecessor in the proposers list once
// per interval. A predecessor that misses its deadline is removed from the
// proposers cluster and added back (see reorderProposer); the node that is
// second in line declares a failover instead of an ordinary write.
type Heartbeat struct {
	nodeID               string
	envName              string
	proposersClusterName string
	timeout              time.Duration

	cluster   paxos.ClusterView
	transport paxos.Transport
	queue     *RequestQueue

	nextRequestID uint64
}

// NewHeartbeat builds a Heartbeat for one cluster member. envName and
// proposersClusterName identify the graph nodes that hold the proposers
// list, since reordering it is itself a replicated graph write.
func NewHeartbeat(nodeID, envName, proposersClusterName string, timeout time.Duration, cluster paxos.ClusterView, transport paxos.Transport, queue *RequestQueue) *Heartbeat {
	return &Heartbeat{
		nodeID:               nodeID,
		envName:              envName,
		proposersClusterName: proposersClusterName,
		timeout:              timeout,
		cluster:              cluster,
		transport:            transport,
		queue:                queue,
	}
}

// Run beats once per timeout until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	for {
		start := time.Now()
		h.beat(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.timeout - time.Since(start)):
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	proposers := h.cluster.Proposers()
	idx := indexOf(proposers, h.nodeID)
	if idx <= 0 {
		// No predecessor to watch: we are either not a proposer, or we
		// are the head of the list.
		return
	}
	predecessor := proposers[idx-1]

	payload, err := paxos.EncodeRequest(&paxos.Request{
		Type:     paxos.TypeHeartbeat,
		Method:   "none",
		ClientID: heartbeatClientID,
	})
	if err != nil {
		heartbeatLog.Errorf("encode heartbeat: %v", err)
		return
	}

	acks, err := h.transport.TimedSend([]string{predecessor}, payload, h.timeout, 1, paxos.Bit(paxos.TypeAck))
	if ack, ok := acks[predecessor]; err == nil && ok && ack.Status {
		return
	}

	heartbeatLog.Criticalf("heartbeat failure with %s", predecessor)
	becomingDistinguished := len(proposers) > 1 && proposers[1] == h.nodeID
	h.reorderProposer(ctx, predecessor, becomingDistinguished)
}

// reorderProposer removes a dead predecessor from the proposers cluster
// and adds it back, through the ordinary replicated write path so every
// node applies the same writes. The re-add reuses the host's existing
// edge entry, so its position in the cluster's member order is unchanged.
func (h *Heartbeat) reorderProposer(ctx context.Context, deadProposer string, failover bool) {
	reqType := paxos.TypeRequest
	if failover {
		reqType = paxos.TypeFailover
	}

	h.submit(ctx, reqType, "remove_host_from_cluster", []string{h.envName, h.proposersClusterName, deadProposer})
	h.submit(ctx, reqType, "add_host_to_cluster", []string{h.envName, h.proposersClusterName, deadProposer})
}

func (h *Heartbeat) submit(ctx context.Context, reqType paxos.RequestType, method string, args []string) {
	h.nextRequestID++
	req := &paxos.Request{
		Type:      reqType,
		Method:    method,
		Args:      args,
		ClientID:  heartbeatClientID,
		RequestID: h.nextRequestID,
	}
	if _, err := h.queue.SendRequest(req); err != nil {
		heartbeatLog.Errorf("submit %s: %v", method, err)
		return
	}
	if _, err := h.queue.AwaitAck(req.ClientID, req.RequestID, h.timeout); err != nil {
		heartbeatLog.Errorf("await ack for %s: %v", method, err)
	}
}

func indexOf(ss []string, target string) int {
	for i, s := range ss {
		if s == target {
			return i
		}
	}
	return -1
}

// ServeHeartbeats answers HEARTBEAT pings from a successor, reading from
// ch (the ListenServer's TypeHeartbeat dispatch channel) until ctx is
// cancelled. A live node always replies Status true.
func ServeHeartbeats(ctx context.Context, ch <-chan *paxos.Request, transport paxos.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-ch:
			ack := &paxos.Ack{Type: paxos.TypeAck, Status: true, ClientID: req.ClientID, RequestID: req.RequestID}
			payload, err := paxos.EncodeAck(ack)
			if err != nil {
				heartbeatLog.Errorf("encode heartbeat ack: %v", err)
				continue
			}
			dest := senderAddr(req)
			if dest == "" {
				continue
			}
			if err := transport.Send(dest, payload); err != nil {
				heartbeatLog.Errorf("send heartbeat ack to %s: %v", dest, err)
			}
		}
	}
}
