package daemon

import (
	"context"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jbeverly/rangexx/internal/graph"
	"github.com/jbeverly/rangexx/internal/kv"
	"github.com/jbeverly/rangexx/internal/paxos"
	"github.com/jbeverly/rangexx/internal/rangelog"
	"github.com/jbeverly/rangexx/internal/transport"
)

var supervisorLog = rangelog.For("daemon.supervisor")

// Cluster adapts a running node's static configuration into the view the
// Paxos roles consult. The configured proposers/accepters/learners lists
// are read from rangecfg at startup; reordering them after a heartbeat
// failure happens through the normal replicated write path, not by
// mutating this struct.
type Cluster struct {
	NodeID        string
	ProposersList []string
	AccepterList  []string
	LearnersList  []string
}

func (c *Cluster) LocalNodeID() string { return c.NodeID }
func (c *Cluster) Proposers() []string { return c.ProposersList }
func (c *Cluster) Accepters() []string { return c.AccepterList }
func (c *Cluster) Learners() []string  { return c.LearnersList }

// Config bundles everything Supervisor needs to bring up one daemon
// process: listen address, cluster membership, timing, and the graph
// store it serves reads and writes against.
type Config struct {
	NodeID               string
	ListenAddr           string
	EnvName              string
	ProposersClusterName string
	Proposers            []string
	Accepters            []string
	Learners             []string
	Peers                []string

	RequestTimeout   time.Duration
	HeartbeatTimeout time.Duration
	StoredTimeout    time.Duration
}

// Supervisor owns the lifetime of one daemon's goroutines: the Paxos
// roles, the inbound listener, the heartbeat and replay loops, and the
// request queue's forwarder. Start returns once every worker has been
// launched; Stop cancels them all and waits for them to return.
type Supervisor struct {
	cfg     Config
	backend kv.Backend
	rangeDB *graph.Range
	cluster *Cluster
	apply   paxos.ApplyFunc

	conn net.PacketConn

	proposer *paxos.Proposer
	accepter *paxos.Accepter
	learner  *paxos.Learner
	listener *transport.ListenServer
	dispatch transport.Dispatch
	queue    *RequestQueue
	heart    *Heartbeat

	mu     sync.Mutex
	errs   []error
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor wires every role together but starts nothing.
func NewSupervisor(cfg Config, backend kv.Backend) (*Supervisor, error) {
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	rdb := graph.NewRange(backend)
	cluster := &Cluster{NodeID: cfg.NodeID, ProposersList: cfg.Proposers, AccepterList: cfg.Accepters, LearnersList: cfg.Learners}
	udp := transport.NewUDPMultiClient()

	apply := makeApplyFunc(rdb)

	learner := paxos.NewLearner(cfg.NodeID, paxos.Quorum(len(cfg.Accepters)), apply, cfg.StoredTimeout)
	accepter := paxos.NewAccepter(udp, cfg.Learners)
	proposer := paxos.NewProposer(cfg.NodeID, cluster, udp, cfg.RequestTimeout)

	heartbeatCh := make(chan *paxos.Request, 64)
	replayCh := make(chan *paxos.Request, 64)
	dispatch := transport.Dispatch{
		Accepter:  accepter,
		Proposer:  proposer,
		Learner:   learner,
		Heartbeat: heartbeatCh,
		Replay:    replayCh,
	}
	listener := transport.NewListenServer(conn, dispatch)

	queue := NewRequestQueue()
	heart := NewHeartbeat(cfg.NodeID, cfg.EnvName, cfg.ProposersClusterName, cfg.HeartbeatTimeout, cluster, udp, queue)

	return &Supervisor{
		cfg:      cfg,
		backend:  backend,
		rangeDB:  rdb,
		cluster:  cluster,
		apply:    apply,
		conn:     conn,
		proposer: proposer,
		accepter: accepter,
		learner:  learner,
		listener: listener,
		dispatch: dispatch,
		queue:    queue,
		heart:    heart,
	}, nil
}

// Start launches one goroutine per role plus the signal-handling
// goroutine and returns immediately. Call Stop (or cancel the context
// passed to Start) to bring everything down.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.runCtx = ctx
	s.cancel = cancel

	s.spawn(func(ctx context.Context) { s.proposer.Run(ctx) })
	s.spawn(func(ctx context.Context) { s.accepter.Run(ctx) })
	s.spawn(func(ctx context.Context) { s.learner.Run(ctx) })
	s.spawn(func(ctx context.Context) {
		if err := s.listener.Run(ctx); err != nil {
			s.recordErr(err)
		}
	})
	s.spawn(func(ctx context.Context) { s.heart.Run(ctx) })
	s.spawn(func(ctx context.Context) {
		s.queue.RunForwarder(ctx, s.learner, func(req *paxos.Request) error {
			return s.forwardWrite(ctx, req)
		})
	})
	s.spawn(func(ctx context.Context) { ServeHeartbeats(ctx, s.dispatch.Heartbeat, s.proposer.Transport()) })
	s.spawn(func(ctx context.Context) { ServeReplayRequests(ctx, s.dispatch.Replay, s.backend, s.proposer.Transport()) })

	s.spawn(func(ctx context.Context) { s.awaitSignal(ctx) })

	supervisorLog.Infof("daemon %s listening on %s", s.cfg.NodeID, s.cfg.ListenAddr)
}

// Replay performs the one-shot bulk catch-up against a random configured
// peer before Start is called, so the Accepter/Learner never promise
// anything the replica hasn't applied yet.
func (s *Supervisor) Replay(ctx context.Context) error {
	peers := make([]string, 0, len(s.cfg.Peers))
	for _, p := range s.cfg.Peers {
		if p != s.cfg.ListenAddr {
			peers = append(peers, p)
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	r := NewReplay(peers, s.cfg.RequestTimeout, s.proposer.Transport(), s.apply, s.learner, s.accepter, rng)
	return r.Run(ctx)
}

func (s *Supervisor) forwardWrite(ctx context.Context, req *paxos.Request) error {
	if s.cluster.LocalNodeID() == s.cluster.Proposers()[0] || (req.Type == paxos.TypeFailover && len(s.cluster.Proposers()) > 1 && s.cluster.Proposers()[1] == s.cluster.LocalNodeID()) {
		s.proposer.Enqueue(req)
		return nil
	}
	payload, err := paxos.EncodeRequest(req)
	if err != nil {
		return err
	}
	return s.proposer.Transport().Send(s.cluster.Proposers()[0], payload)
}

func (s *Supervisor) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.runCtx)
	}()
}

func (s *Supervisor) recordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

// Errs returns every error a worker goroutine reported before exiting.
func (s *Supervisor) Errs() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errs))
	copy(out, s.errs)
	return out
}

// awaitSignal cancels the run context on SIGINT/SIGTERM; it never calls
// Stop directly since Stop waits on the same WaitGroup this goroutine is
// a member of.
func (s *Supervisor) awaitSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		supervisorLog.Infof("received %s, shutting down", sig)
		s.cancel()
	}
}

// Stop cancels every worker and waits for them to return, then closes the
// listening socket. Safe to call from outside the worker goroutines (e.g.
// the daemon's main function); awaitSignal uses s.cancel directly instead.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.conn.Close()
}

// Wait blocks until every worker goroutine has returned, whether because
// a signal arrived or the caller's context was cancelled. It does not
// itself trigger shutdown.
func (s *Supervisor) Wait() {
	s.wg.Wait()
	s.conn.Close()
}
