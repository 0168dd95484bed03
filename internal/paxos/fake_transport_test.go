package paxos

import (
	"sync"
	"time"
)

type sentMessage struct {
	dest    string
	payload []byte
}

// fakeTransport is an in-memory stand-in for transport.UDPMultiClient used
// to unit-test the Paxos roles without opening real sockets.
type fakeTransport struct {
	mu            sync.Mutex
	sent          []sentMessage
	timedSendFunc func(dests []string, payload []byte, timeout time.Duration, breakAfterN int, bits AckMask) (map[string]Ack, error)
}

func (f *fakeTransport) Send(dest string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{dest: dest, payload: payload})
	return nil
}

func (f *fakeTransport) TimedSend(dests []string, payload []byte, timeout time.Duration, breakAfterN int, bits AckMask) (map[string]Ack, error) {
	if f.timedSendFunc != nil {
		return f.timedSendFunc(dests, payload, timeout, breakAfterN, bits)
	}
	return map[string]Ack{}, nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}
