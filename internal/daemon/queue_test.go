package daemon

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/paxos"
)

func TestRequestQueueSendReceiveRoundTrip(t *testing.T) {
	q := NewRequestQueue()
	req := &paxos.Request{Method: "create_env", RequestID: 1}

	id, err := q.SendRequest(req)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := q.ReceiveRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestRequestQueueReceiveRequestRespectsContextCancellation(t *testing.T) {
	q := NewRequestQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.ReceiveRequest(ctx)
	require.Error(t, err)
}

func TestRequestQueueAwaitAckDeliversCorrelatedAck(t *testing.T) {
	q := NewRequestQueue()

	done := make(chan paxos.Ack, 1)
	go func() {
		ack, err := q.AwaitAck("client-1", 7, time.Second)
		require.NoError(t, err)
		done <- ack
	}()

	time.Sleep(10 * time.Millisecond)
	q.SendAck(paxos.Ack{ClientID: "client-1", RequestID: 7, Status: true, Code: 42})

	select {
	case ack := <-done:
		require.True(t, ack.Status)
		require.Equal(t, uint32(42), ack.Code)
	case <-time.After(time.Second):
		t.Fatal("expected AwaitAck to return the correlated ack")
	}
}

func TestRequestQueueAwaitAckTimesOutWithoutAck(t *testing.T) {
	q := NewRequestQueue()
	_, err := q.AwaitAck("client-1", 7, 20*time.Millisecond)
	require.Error(t, err)
}

func TestRequestQueueSendAckIgnoredWithoutWaiter(t *testing.T) {
	q := NewRequestQueue()
	q.SendAck(paxos.Ack{ClientID: "nobody", RequestID: 1})
}

func TestRequestQueueFullReturnsError(t *testing.T) {
	q := &RequestQueue{inbound: make(chan *paxos.Request, 1)}
	_, err := q.SendRequest(&paxos.Request{RequestID: 1})
	require.NoError(t, err)
	_, err = q.SendRequest(&paxos.Request{RequestID: 2})
	require.Error(t, err)
}

func TestRunForwarderForwardsAndCopiesAcks(t *testing.T) {
	q := NewRequestQueue()
	apply := func(method string, args []string) (bool, uint32, string) { return true, 0, "" }
	learner := paxos.NewLearner("node-a", 1, apply, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var forwarded []*paxos.Request
	sent := make(chan struct{}, 1)
	go q.RunForwarder(ctx, learner, func(req *paxos.Request) error {
		forwarded = append(forwarded, req)
		sent <- struct{}{}
		return nil
	})

	req := &paxos.Request{Method: "create_env", RequestID: 1}
	_, err := q.SendRequest(req)
	require.NoError(t, err)

	select {
	case <-sent:
		require.Equal(t, []*paxos.Request{req}, forwarded)
	case <-time.After(time.Second):
		t.Fatal("expected request to be forwarded")
	}

	waiterDone := make(chan paxos.Ack, 1)
	go func() {
		ack, err := q.AwaitAck("node-a|client-1", 9, time.Second)
		require.NoError(t, err)
		waiterDone <- ack
	}()
	time.Sleep(10 * time.Millisecond)
	learner.Deliver(&paxos.Request{ProposalNum: 1, Method: "create_env", ClientID: "node-a|client-1", RequestID: 9})
	learner.Tick()

	select {
	case ack := <-waiterDone:
		require.True(t, ack.Status)
	case <-time.After(time.Second):
		t.Fatal("expected the learner's ack to reach the waiting caller")
	}
}

func TestNewClientIDIncludesNodeIDAndPID(t *testing.T) {
	id := NewClientID("node-a")
	require.True(t, strings.HasPrefix(id, fmt.Sprintf("node-a|%d|", os.Getpid())))

	other := NewClientID("node-a")
	require.NotEqual(t, id, other, "the random component must differ between calls")
}

func TestSubmitWriteRoundTripsThroughForwarderAndAck(t *testing.T) {
	q := NewRequestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		req, err := q.ReceiveRequest(ctx)
		if err != nil {
			return
		}
		q.SendAck(paxos.Ack{ClientID: req.ClientID, RequestID: req.RequestID, Status: true, Code: 1})
	}()

	ack, err := SubmitWrite(ctx, q, "node-a|1|abc", "create_env", []string{"env1"}, time.Second)
	require.NoError(t, err)
	require.True(t, ack.Status)
	require.Equal(t, uint32(1), ack.Code)
}
