package sim

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Address identifies a network endpoint. Addresses are flat strings; the
// engine attaches no structure to them.
type Address string

// Message is a payload in flight or delivered on a link. The engine treats
// the payload as opaque bytes.
type Message struct {
	From        Address
	To          Address
	Payload     []byte
	SentAt      VirtualTime
	DeliveredAt VirtualTime
}

// An Endpoint is one side of the simulated network, owned by exactly one
// node. It holds an inbound message queue and the tasks parked in Recv.
// Endpoints die with their node's incarnation: a crash closes them, and a
// restarted node must bind fresh ones.
type Endpoint struct {
	node        *Node
	addr        Address
	incarnation uint64
	closed      bool
	inbox       []*Message
	waiters     []*recvWaiter
}

type recvWaiter struct {
	task *task
	msg  *Message
}

// Addr returns the endpoint's address.
func (ep *Endpoint) Addr() Address { return ep.addr }

// Recv returns the next inbound message, parking the task until one arrives.
// Messages are handed out in delivery order; waiting tasks are served FIFO.
// Returns ErrEndpointClosed once the endpoint is closed, including closure by
// a crash while parked here.
func (ep *Endpoint) Recv(c *Ctx) (*Message, error) {
	if err := c.checkActive("Recv"); err != nil {
		return nil, err
	}
	if ep.closed {
		return nil, errors.WithMessagef(ErrEndpointClosed, "recv on %s", ep.addr)
	}
	if ep.node != c.task.node {
		return nil, errors.Errorf("recv on %s: endpoint owned by node %s, caller is on %s",
			ep.addr, ep.node.id, c.task.node.id)
	}
	if len(ep.inbox) > 0 {
		m := ep.inbox[0]
		ep.inbox = ep.inbox[1:]
		return m, nil
	}
	w := &recvWaiter{task: c.task}
	ep.waiters = append(ep.waiters, w)
	c.task.block(func() { ep.removeWaiter(w) })
	if w.msg == nil {
		return nil, errors.WithMessagef(ErrEndpointClosed, "recv on %s", ep.addr)
	}
	return w.msg, nil
}

// Close releases the endpoint. Tasks parked in Recv are woken with
// ErrEndpointClosed; in-flight messages addressed to it are dropped at
// dispatch time.
func (ep *Endpoint) Close() {
	if ep.closed {
		return
	}
	ep.node.sim.fabric.closeEndpoint(ep)
}

func (ep *Endpoint) removeWaiter(w *recvWaiter) {
	for i, x := range ep.waiters {
		if x == w {
			ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
			return
		}
	}
}

// LinkConfig sets the delivery characteristics of a link.
type LinkConfig struct {
	// Latency is the base propagation delay per message.
	Latency Duration
	// Jitter adds a uniform draw from [0, Jitter] to each message's latency.
	Jitter Duration
	// Loss is the probability a message is lost, drawn per message.
	Loss float64
	// Bandwidth caps the link at this many payload bytes per tick;
	// 0 means unlimited. Serialization occupies the link, so back-to-back
	// sends queue behind each other.
	Bandwidth int64
}

// A Link is a one-way channel between two endpoints. Messages sent on a link
// are delivered FIFO in send order even though each carries an independent
// latency draw: a delivery is never scheduled before the previous delivery on
// the same link. A partitioned link drops all traffic, including messages
// already in flight, until healed.
type Link struct {
	fabric *Fabric
	src    Address
	dst    Address
	// srcEp pins the source endpoint this link was dialed from; the link
	// dies with it.
	srcEp   *Endpoint
	dstNode *Node
	cfg     LinkConfig
	rng     *rand.Rand

	partitioned bool
	// busyUntil is when the link finishes serializing the previous payload.
	busyUntil VirtualTime
	// lastDelivery is the FIFO floor: no later message may arrive before it.
	lastDelivery VirtualTime
}

// Src returns the source address.
func (l *Link) Src() Address { return l.src }

// Dst returns the destination address.
func (l *Link) Dst() Address { return l.dst }

// Send schedules payload for delivery on the link. The loss and jitter draws
// are consumed on every call — even when the message is lost or the link is
// partitioned — so the draw sequence, and with it every later delivery time,
// is identical across runs regardless of faults.
//
// The message is delivered to the destination incarnation current at send
// time; if the destination crashes or restarts before the delivery fires, the
// message is dropped at dispatch.
func (l *Link) Send(payload []byte) error {
	f := l.fabric
	e := f.sim.exec
	if l.srcEp.closed {
		return errors.WithMessagef(ErrEndpointClosed, "send on %s~%s", l.src, l.dst)
	}
	if cur := e.current; cur != nil && cur.node != l.srcEp.node {
		return errors.Errorf("send on %s~%s: link owned by node %s, caller is on %s",
			l.src, l.dst, l.srcEp.node.id, cur.node.id)
	}

	lost := l.rng.Float64() < l.cfg.Loss
	jitter := Duration(0)
	if l.cfg.Jitter > 0 {
		jitter = Duration(l.rng.Int63n(int64(l.cfg.Jitter) + 1))
	}

	if l.partitioned {
		logrus.Debugf("[tick %07d] drop (partitioned at send) %s~%s", e.now, l.src, l.dst)
		return nil
	}

	serialization := Duration(0)
	if l.cfg.Bandwidth > 0 {
		serialization = Duration((int64(len(payload)) + l.cfg.Bandwidth - 1) / l.cfg.Bandwidth)
	}
	depart := maxTime(e.now, l.busyUntil).Add(serialization)
	l.busyUntil = depart
	arrive := depart.Add(l.cfg.Latency + jitter)
	// FIFO per link: never arrive before the previous message on this link.
	arrive = maxTime(arrive, l.lastDelivery)
	l.lastDelivery = arrive

	m := &Message{From: l.src, To: l.dst, Payload: payload, SentAt: e.now}
	dstIncarnation := l.dstNode.incarnation
	e.schedule(arrive, func() { f.deliver(l, m, lost, dstIncarnation) })
	f.msgCount++
	logrus.Debugf("[tick %07d] send %s~%s %dB, arrives %s (lost=%v)",
		e.now, l.src, l.dst, len(payload), arrive, lost)
	return nil
}

type linkKey struct {
	src, dst Address
}

// Fabric is the simulated network: the table of live endpoints and links.
// It owns no scheduling state of its own; every delivery is a timer entry on
// the executor's heap, so network events interleave deterministically with
// sleeps and faults.
type Fabric struct {
	sim       *Simulation
	endpoints map[Address]*Endpoint
	links     map[linkKey]*Link
	// partitions holds currently partitioned node pairs, normalized so the
	// smaller id comes first. Consulted when a link is dialed, so links
	// created during a partition start out partitioned too.
	partitions map[nodePair]bool
	msgCount   uint64
}

type nodePair struct {
	a, b NodeID
}

func pairOf(a, b NodeID) nodePair {
	if b < a {
		a, b = b, a
	}
	return nodePair{a, b}
}

func newFabric(s *Simulation) *Fabric {
	return &Fabric{
		sim:        s,
		endpoints:  make(map[Address]*Endpoint),
		links:      make(map[linkKey]*Link),
		partitions: make(map[nodePair]bool),
	}
}

// setPartitioned records the partition state of a node pair and applies it to
// every existing link between them.
func (f *Fabric) setPartitioned(a, b NodeID, partitioned bool) {
	if partitioned {
		f.partitions[pairOf(a, b)] = true
	} else {
		delete(f.partitions, pairOf(a, b))
	}
	for _, l := range f.linksBetween(a, b) {
		l.partitioned = partitioned
	}
}

// bind claims addr for node n.
func (f *Fabric) bind(n *Node, addr Address) (*Endpoint, error) {
	if ep, ok := f.endpoints[addr]; ok && !ep.closed {
		return nil, errors.WithMessagef(ErrAddrInUse, "bind %s on %s: held by %s", addr, n.id, ep.node.id)
	}
	ep := &Endpoint{node: n, addr: addr, incarnation: n.incarnation}
	f.endpoints[addr] = ep
	n.endpoints[addr] = ep
	logrus.Debugf("[tick %07d] %s bound %s", f.sim.exec.now, n.id, addr)
	return ep, nil
}

// connect returns the link src -> dst, creating it on first use. Both
// endpoints must be bound. Repeated connects return the existing link and
// ignore cfg; dropping and re-dialing after a crash creates a fresh link that
// continues the same random stream.
func (f *Fabric) connect(src, dst Address, cfg LinkConfig) (*Link, error) {
	key := linkKey{src, dst}
	if l, ok := f.links[key]; ok {
		return l, nil
	}
	srcEp, ok := f.endpoints[src]
	if !ok || srcEp.closed {
		return nil, errors.WithMessagef(ErrUnknownAddr, "connect from %s", src)
	}
	dstEp, ok := f.endpoints[dst]
	if !ok || dstEp.closed {
		return nil, errors.WithMessagef(ErrUnknownAddr, "connect to %s", dst)
	}
	if cfg.Loss < 0 || cfg.Loss > 1 {
		return nil, errors.Errorf("connect %s~%s: loss probability %v out of range", src, dst, cfg.Loss)
	}
	l := &Link{
		fabric:      f,
		src:         src,
		dst:         dst,
		srcEp:       srcEp,
		dstNode:     dstEp.node,
		cfg:         cfg,
		rng:         f.sim.rng.Stream(linkStream(src, dst)),
		partitioned: f.partitions[pairOf(srcEp.node.id, dstEp.node.id)],
	}
	f.links[key] = l
	return l, nil
}

// deliver dispatches one scheduled message. All drop conditions are checked
// here, at delivery time: loss decided at send, a partition that started
// mid-flight, a closed endpoint, or a destination node that crashed or moved
// to a new incarnation since the send. The endpoint found at the destination
// address must still belong to the node the link was dialed to: an address
// lawfully rebound by another node after a crash must not receive the dead
// node's traffic.
func (f *Fabric) deliver(l *Link, m *Message, lost bool, dstIncarnation uint64) {
	e := f.sim.exec
	switch {
	case lost:
		logrus.Debugf("[tick %07d] drop (lost) %s~%s", e.now, m.From, m.To)
		return
	case l.partitioned:
		logrus.Debugf("[tick %07d] drop (partitioned in flight) %s~%s", e.now, m.From, m.To)
		return
	}
	ep, ok := f.endpoints[m.To]
	if !ok || ep.closed {
		logrus.Debugf("[tick %07d] drop (no endpoint) %s~%s", e.now, m.From, m.To)
		return
	}
	if ep.node != l.dstNode || ep.node.state != NodeRunning || ep.node.incarnation != dstIncarnation {
		logrus.Debugf("[tick %07d] drop (stale destination) %s~%s", e.now, m.From, m.To)
		return
	}
	m.DeliveredAt = e.now
	if e.record {
		e.trace = append(e.trace, fmt.Sprintf("%d deliver %s~%s", e.now, m.From, m.To))
	}
	logrus.Debugf("[tick %07d] deliver %s~%s %dB", e.now, m.From, m.To, len(m.Payload))
	if len(ep.waiters) > 0 {
		w := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		w.msg = m
		e.wake(w.task)
		return
	}
	ep.inbox = append(ep.inbox, m)
}

// closeEndpoint tears down an endpoint and every link dialed from it. Parked
// receivers are woken to observe ErrEndpointClosed.
func (f *Fabric) closeEndpoint(ep *Endpoint) {
	ep.closed = true
	e := f.sim.exec
	for _, w := range ep.waiters {
		e.wake(w.task)
	}
	ep.waiters = nil
	ep.inbox = nil
	if f.endpoints[ep.addr] == ep {
		delete(f.endpoints, ep.addr)
	}
	delete(ep.node.endpoints, ep.addr)
	for key, l := range f.links {
		if l.srcEp == ep {
			delete(f.links, key)
		}
	}
	logrus.Debugf("[tick %07d] closed %s on %s", e.now, ep.addr, ep.node.id)
}

// linksBetween returns every live link with one endpoint on node a and the
// other on node b, in a stable order.
func (f *Fabric) linksBetween(a, b NodeID) []*Link {
	var out []*Link
	for _, l := range f.links {
		srcNode := l.srcEp.node.id
		dstNode := l.dstNode.id
		if (srcNode == a && dstNode == b) || (srcNode == b && dstNode == a) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].src != out[j].src {
			return out[i].src < out[j].src
		}
		return out[i].dst < out[j].dst
	})
	return out
}
