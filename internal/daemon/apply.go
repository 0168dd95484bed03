package daemon

import (
	"github.com/jbeverly/rangexx/internal/graph"
	"github.com/jbeverly/rangexx/internal/paxos"
)

// makeApplyFunc adapts graph.WriteAPISymtable into the shape the Learner
// calls once a write reaches quorum: a method name, its string args, and
// a (ok, code, reason) result to carry back in the Ack.
func makeApplyFunc(rdb *graph.Range) paxos.ApplyFunc {
	return func(method string, args []string) (bool, uint32, string) {
		fn, ok := graph.WriteAPISymtable[method]
		if !ok {
			return false, uint32(graph.ErrUnknown), "unknown write method: " + method
		}
		ok, err := fn(rdb, args)
		if err == nil {
			return ok, 0, ""
		}
		if coded, isCoded := err.(graph.CodedError); isCoded {
			return false, uint32(coded.Code()), coded.Error()
		}
		return false, uint32(graph.ErrUnknown), err.Error()
	}
}
