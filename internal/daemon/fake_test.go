package daemon

import (
	"sync"
	"time"

	"github.com/jbeverly/rangexx/internal/paxos"
)

type fakeClusterView struct {
	local     string
	proposers []string
}

func (c *fakeClusterView) LocalNodeID() string { return c.local }
func (c *fakeClusterView) Proposers() []string { return c.proposers }
func (c *fakeClusterView) Accepters() []string { return c.proposers }
func (c *fakeClusterView) Learners() []string  { return c.proposers }

type sentDatagram struct {
	dest    string
	payload []byte
}

type fakeTransport struct {
	mu            sync.Mutex
	sent          []sentDatagram
	timedSendFunc func(dests []string, payload []byte, timeout time.Duration, breakAfterN int, bits paxos.AckMask) (map[string]paxos.Ack, error)
}

func (f *fakeTransport) Send(dest string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentDatagram{dest: dest, payload: payload})
	return nil
}

func (f *fakeTransport) TimedSend(dests []string, payload []byte, timeout time.Duration, breakAfterN int, bits paxos.AckMask) (map[string]paxos.Ack, error) {
	if f.timedSendFunc != nil {
		return f.timedSendFunc(dests, payload, timeout, breakAfterN, bits)
	}
	return map[string]paxos.Ack{}, nil
}

func (f *fakeTransport) sentDatagrams() []sentDatagram {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentDatagram(nil), f.sent...)
}
