package paxos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitIsolatesSingleAckType(t *testing.T) {
	require.Equal(t, AckMask(1), Bit(TypeAck))
	require.Equal(t, AckMask(2), Bit(TypeNack))
	require.Equal(t, AckMask(4), Bit(TypePromise))
	require.Equal(t, AckMask(8), Bit(TypeAccepted))
}

func TestDistinguishedProposerPlainRequest(t *testing.T) {
	proposers := []string{"node-a", "node-b", "node-c"}

	require.True(t, distinguishedProposer("node-a", proposers, &Request{Type: TypeRequest}))
	require.False(t, distinguishedProposer("node-b", proposers, &Request{Type: TypeRequest}))
}

func TestDistinguishedProposerFailover(t *testing.T) {
	proposers := []string{"node-a", "node-b", "node-c"}

	require.True(t, distinguishedProposer("node-b", proposers, &Request{Type: TypeFailover}))
	require.False(t, distinguishedProposer("node-a", proposers, &Request{Type: TypeFailover}))
}

func TestDistinguishedProposerFailoverWithSingleNode(t *testing.T) {
	proposers := []string{"node-a"}
	require.False(t, distinguishedProposer("node-a", proposers, &Request{Type: TypeFailover}))
}
