package daemon

import (
	"context"
	"encoding/base64"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbeverly/rangexx/internal/graph"
	"github.com/jbeverly/rangexx/internal/paxos"
)

// encodeTestTxnRequest mirrors graph.TxnRequest's private wire encoding,
// used here only to synthesize a log entry for a fake peer to serve.
func encodeTestTxnRequest(r graph.TxnRequest) []byte {
	buf := []byte(r.Action)
	buf = append(buf, '\x00')
	buf = append(buf, []byte(r.ClientID)...)
	for _, a := range r.Args {
		buf = append(buf, '\x00')
		buf = append(buf, []byte(a)...)
	}
	return buf
}

func TestReplayRunWithNoPeersIsANoop(t *testing.T) {
	apply := func(method string, args []string) (bool, uint32, string) { return true, 0, "" }
	learner := paxos.NewLearner("node-a", 1, apply, time.Second)
	accepter := paxos.NewAccepter(&fakeTransport{}, nil)
	r := NewReplay(nil, time.Second, &fakeTransport{}, apply, learner, accepter, rand.New(rand.NewSource(1)))

	require.NoError(t, r.Run(context.Background()))
	require.False(t, learner.IsReplaying())
}

func TestReplayRunAppliesEachLogEntryInOrder(t *testing.T) {
	entries := []graph.TxnRequest{
		{Action: "create_env", Args: []string{"env1"}},
		{Action: "add_cluster_to_env", Args: []string{"env1", "cluster1"}},
	}

	transport := &fakeTransport{
		timedSendFunc: func(dests []string, payload []byte, timeout time.Duration, breakAfterN int, bits paxos.AckMask) (map[string]paxos.Ack, error) {
			req, err := paxos.DecodeRequest(payload)
			require.NoError(t, err)
			seq := req.SequenceNum
			if int(seq) >= len(entries) {
				return map[string]paxos.Ack{dests[0]: {Type: paxos.TypeAck, Status: false}}, nil
			}
			entryBytes := encodeTestTxnRequest(entries[seq])
			return map[string]paxos.Ack{dests[0]: {
				Type:   paxos.TypeAck,
				Status: true,
				Code:   uint32(seq),
				Reason: base64.StdEncoding.EncodeToString(entryBytes),
			}}, nil
		},
	}

	var applied []string
	apply := func(method string, args []string) (bool, uint32, string) {
		applied = append(applied, method)
		return true, 0, ""
	}
	learner := paxos.NewLearner("node-a", 1, apply, time.Second)
	accepter := paxos.NewAccepter(&fakeTransport{}, nil)

	r := NewReplay([]string{"peer-1"}, time.Second, transport, apply, learner, accepter, rand.New(rand.NewSource(1)))
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, []string{"create_env", "add_cluster_to_env"}, applied)
	require.False(t, learner.IsReplaying())
	require.False(t, accepter.IsReplaying())
}

func TestRespondToReplayFirstEntry(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	seq, err := backend.AppendTxn([]byte("entry-one"))
	require.NoError(t, err)

	transport := &fakeTransport{}
	req := &paxos.Request{Type: paxos.TypeReplay, SequenceNum: 0, ClientID: replayClientID, SenderAddr: 0x7f000001, SenderPort: 7000}

	respondToReplay(req, backend, transport)

	sent := transport.sentDatagrams()
	require.Len(t, sent, 1)
	ack, err := paxos.DecodeAck(sent[0].payload)
	require.NoError(t, err)
	require.True(t, ack.Status)
	require.Equal(t, uint32(seq), ack.Code)
	decoded, err := base64.StdEncoding.DecodeString(ack.Reason)
	require.NoError(t, err)
	require.Equal(t, []byte("entry-one"), decoded)
}

func TestRespondToReplayMissingSequenceIsStatusFalse(t *testing.T) {
	backend := openTestBackendForDaemon(t)
	transport := &fakeTransport{}
	req := &paxos.Request{Type: paxos.TypeReplay, SequenceNum: 999, SenderAddr: 0x7f000001, SenderPort: 7000}

	respondToReplay(req, backend, transport)

	sent := transport.sentDatagrams()
	require.Len(t, sent, 1)
	ack, err := paxos.DecodeAck(sent[0].payload)
	require.NoError(t, err)
	require.False(t, ack.Status)
}
