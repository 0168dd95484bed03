// Package transport implements the UDP replication transport the Paxos
// roles use to reach peers: a multi-destination client for outbound
// sends and a listening server for inbound dispatch.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jbeverly/rangexx/internal/paxos"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var transportLog = rangelog.For("transport.udp")

// MaxDatagramPayload is the largest payload TimedSend/Send will put on
// the wire in one datagram.
const MaxDatagramPayload = 65507

// UDPMultiClient fans sends out to multiple destinations concurrently,
// one dialed UDP socket per destination, and collects Acks against a
// single shared deadline.
type UDPMultiClient struct{}

// NewUDPMultiClient builds a client ready for concurrent use.
func NewUDPMultiClient() *UDPMultiClient { return &UDPMultiClient{} }

// Send delivers payload to dest and does not wait for a reply.
func (c *UDPMultiClient) Send(dest string, payload []byte) error {
	if len(payload) > MaxDatagramPayload {
		return fmt.Errorf("transport: payload of %d bytes exceeds max datagram size", len(payload))
	}
	conn, err := net.Dial("udp", dest)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(payload)
	return err
}

type sendResult struct {
	dest string
	ack  paxos.Ack
	err  error
}

// TimedSend writes payload to every destination and waits for Acks,
// completing when breakAfterN acks matching acceptedAckBits arrive, all
// destinations have replied, or timeout elapses.
func (c *UDPMultiClient) TimedSend(dests []string, payload []byte, timeout time.Duration, breakAfterN int, acceptedAckBits paxos.AckMask) (map[string]paxos.Ack, error) {
	if len(payload) > MaxDatagramPayload {
		return nil, fmt.Errorf("transport: payload of %d bytes exceeds max datagram size", len(payload))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	results := make(chan sendResult, len(dests))
	for _, dest := range dests {
		dest := dest
		go c.sendOne(ctx, dest, payload, results)
	}

	acks := make(map[string]paxos.Ack, len(dests))
	matched := 0
	for i := 0; i < len(dests); i++ {
		select {
		case r := <-results:
			if r.err != nil {
				transportLog.Debugf("timed send to %s: %v", r.dest, r.err)
				continue
			}
			acks[r.dest] = r.ack
			if acceptedAckBits&paxos.Bit(r.ack.Type) != 0 {
				matched++
				if breakAfterN > 0 && matched >= breakAfterN {
					return acks, nil
				}
			}
		case <-ctx.Done():
			return acks, nil
		}
	}
	return acks, nil
}

func (c *UDPMultiClient) sendOne(ctx context.Context, dest string, payload []byte, results chan<- sendResult) {
	conn, err := net.Dial("udp", dest)
	if err != nil {
		results <- sendResult{dest: dest, err: err}
		return
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		results <- sendResult{dest: dest, err: err}
		return
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, MaxDatagramPayload)
	n, err := conn.Read(buf)
	if err != nil {
		results <- sendResult{dest: dest, err: err}
		return
	}
	ack, err := paxos.DecodeAck(buf[:n])
	if err != nil {
		results <- sendResult{dest: dest, err: err}
		return
	}
	results <- sendResult{dest: dest, ack: *ack}
}
