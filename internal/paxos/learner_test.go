package paxos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLearnerAppliesOnQuorum(t *testing.T) {
	var applied []string
	apply := func(method string, args []string) (bool, uint32, string) {
		applied = append(applied, method)
		return true, 0, ""
	}
	l := NewLearner("node-a", 2, apply, time.Second)

	req := &Request{ProposalNum: 1, Method: "create_env", Args: []string{"env1"}, CRC: 0xAAAA, ClientID: "node-a|client-1"}
	l.Deliver(req)
	l.Tick()
	require.Empty(t, applied)

	l.Deliver(req)
	l.Tick()
	require.Equal(t, []string{"create_env"}, applied)
}

func TestLearnerAppliesInAscendingProposalOrder(t *testing.T) {
	var applied []uint64
	apply := func(method string, args []string) (bool, uint32, string) {
		return true, 0, ""
	}
	l := NewLearner("node-a", 1, apply, time.Second)

	l.Deliver(&Request{ProposalNum: 5, Method: "m5"})
	l.Deliver(&Request{ProposalNum: 2, Method: "m2"})
	l.Deliver(&Request{ProposalNum: 3, Method: "m3"})

	for i := 0; i < 3; i++ {
		l.mu.Lock()
		lowest, entry := l.lowestReady()
		l.mu.Unlock()
		if entry == nil {
			break
		}
		applied = append(applied, lowest)
		l.Tick()
	}
	require.Equal(t, []uint64{2, 3, 5}, applied)
}

func TestLearnerAcksOnlyOwnClientRequests(t *testing.T) {
	apply := func(method string, args []string) (bool, uint32, string) { return true, 0, "" }
	l := NewLearner("node-a", 1, apply, time.Second)

	l.Deliver(&Request{ProposalNum: 1, Method: "create_env", ClientID: "node-b|client-1", RequestID: 9})
	l.Tick()

	select {
	case ack := <-l.Acks():
		t.Fatalf("expected no ack for a foreign client, got %+v", ack)
	default:
	}
}

func TestLearnerAcksForLocalClientRequests(t *testing.T) {
	apply := func(method string, args []string) (bool, uint32, string) { return false, 7, "node already exists" }
	l := NewLearner("node-a", 1, apply, time.Second)

	l.Deliver(&Request{ProposalNum: 1, Method: "create_env", ClientID: "node-a|client-1", RequestID: 9})
	l.Tick()

	select {
	case ack := <-l.Acks():
		require.False(t, ack.Status)
		require.Equal(t, uint32(7), ack.Code)
		require.Equal(t, uint64(9), ack.RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected an ack for the local client's request")
	}
}

func TestLearnerGarbageCollectsStaleEntries(t *testing.T) {
	apply := func(method string, args []string) (bool, uint32, string) { return true, 0, "" }
	l := NewLearner("node-a", 2, apply, time.Millisecond)

	l.Deliver(&Request{ProposalNum: 1, Method: "never_reaches_quorum"})
	time.Sleep(5 * time.Millisecond)
	l.Tick()

	l.mu.Lock()
	_, stillPending := l.pending[1]
	l.mu.Unlock()
	require.False(t, stillPending)
}
