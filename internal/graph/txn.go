package graph

import (
	"bytes"
	"time"

	"github.com/jbeverly/rangexx/internal/kv"
)

// TxnRequest is the originating write request a Txn commits on behalf of.
// It is recorded verbatim in the transaction log so a replica that missed
// it can replay the same operation later.
type TxnRequest struct {
	ClientID  string
	RequestID uint64
	Action    string
	Args      []string
}

func (r TxnRequest) encode() []byte {
	buf := []byte(r.Action)
	buf = append(buf, '\x00')
	buf = append(buf, []byte(r.ClientID)...)
	for _, a := range r.Args {
		buf = append(buf, '\x00')
		buf = append(buf, []byte(a)...)
	}
	return buf
}

// DecodeTxnRequest parses one transaction log entry back into the request
// it recorded, the inverse of encode. Used by the replay path to replay a
// peer's log through the local write path.
func DecodeTxnRequest(entry []byte) TxnRequest {
	parts := bytes.Split(entry, []byte{0})
	var req TxnRequest
	if len(parts) > 0 {
		req.Action = string(parts[0])
	}
	if len(parts) > 1 {
		req.ClientID = string(parts[1])
	}
	for _, p := range parts[min(2, len(parts)):] {
		req.Args = append(req.Args, string(p))
	}
	return req
}

// Txn is one range transaction: the unit of work that advances every
// instance's changelist together. A Txn is created by Instance.StartTxn
// and must be closed exactly once with Commit or Abort.
type Txn struct {
	req       TxnRequest
	owner     *Instance
	instances []*Instance
	backend   kv.Backend
	done      bool
	appended  bool
	timestamp int64
}

// StartTxn opens a transaction scoped to this instance. Starting a second
// Txn on an instance that already has one active returns InvalidStateError.
func (g *Instance) StartTxn(req TxnRequest) (*Txn, error) {
	if g.activeTxn {
		return nil, NewInvalidStateError("transaction already active on instance " + g.name)
	}
	g.activeTxn = true
	return &Txn{req: req, owner: g, instances: []*Instance{g}, backend: g.backend}, nil
}

// Join adds another instance's changelist to be advanced alongside the
// owner's when this Txn commits, used when a write touches both the
// primary and dependency graphs in the same transaction.
func (t *Txn) Join(g *Instance) error {
	if t.done {
		return NewInvalidStateError("transaction already closed")
	}
	if g.activeTxn {
		return NewInvalidStateError("transaction already active on instance " + g.name)
	}
	g.activeTxn = true
	t.instances = append(t.instances, g)
	return nil
}

// AppendToScope stages the originating request into the transaction log
// using scope's own write transaction, so the log entry commits (or rolls
// back) atomically with the node mutation the caller staged into the same
// scope. It also stages each joined instance's next graph_info changelist
// record into the same scope, so the persisted changelist never lags
// behind the node records it describes. Callers that use this must still
// call Commit after scope.Commit succeeds, to advance each joined
// instance's in-memory changelist; Commit then skips its own AppendTxn and
// persistence calls since both are already durable.
func (t *Txn) AppendToScope(scope kv.WriteScope) error {
	if t.done {
		return NewInvalidStateError("transaction already closed")
	}
	if _, err := scope.AppendTxn(t.req.encode()); err != nil {
		return err
	}
	t.timestamp = time.Now().UnixNano()
	for _, g := range t.instances {
		if err := g.persistNextChangeSet(scope, t.timestamp); err != nil {
			return err
		}
	}
	t.appended = true
	return nil
}

// Commit appends the originating request to the transaction log and
// persists each joined instance's next changelist entry unless that was
// already done durably via AppendToScope, then advances every joined
// instance's in-memory changelist by one entry recording the nodes each
// touched since the transaction started.
func (t *Txn) Commit() error {
	if t.done {
		return NewInvalidStateError("transaction already closed")
	}
	t.done = true
	defer t.release()

	if !t.appended {
		if _, err := t.backend.AppendTxn(t.req.encode()); err != nil {
			return err
		}
		t.timestamp = time.Now().UnixNano()
		for _, g := range t.instances {
			scope, err := t.backend.WriteLock(kv.RecordGraphMeta, g.changelistKey())
			if err != nil {
				return err
			}
			if err := g.persistNextChangeSet(scope, t.timestamp); err != nil {
				scope.Abort()
				return err
			}
			if err := scope.Commit(); err != nil {
				return err
			}
		}
	}
	return t.addNewRangeVersion()
}

// Abort discards the transaction without touching the transaction log or
// any instance's changelist.
func (t *Txn) Abort() error {
	if t.done {
		return NewInvalidStateError("transaction already closed")
	}
	t.done = true
	t.release()
	return nil
}

func (t *Txn) release() {
	for _, g := range t.instances {
		g.activeTxn = false
	}
}

func (t *Txn) addNewRangeVersion() error {
	for _, g := range t.instances {
		g.appendChangeSet(t.timestamp)
	}
	return nil
}
