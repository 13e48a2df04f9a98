package network

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/courier-project/courier/internal/protocol"
)

// extendedSlack leaves room for an extended length field inserted into a
// full packet without reallocating.
const extendedSlack = protocol.MessageLength1Size

// PoolStats is a point-in-time view of a pool's counters.
type PoolStats struct {
	Name     string `json:"name"`
	Created  int64  `json:"created"`
	Acquired int64  `json:"acquired"`
	Released int64  `json:"released"`
	InUse    int64  `json:"in_use"`
}

// PacketPool recycles packets of one kind.
type PacketPool struct {
	kind     PacketKind
	pool     sync.Pool
	created  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// NewPacketPool creates a pool whose fresh packets preallocate capacity bytes.
func NewPacketPool(kind PacketKind, capacity int) *PacketPool {
	pp := &PacketPool{kind: kind}
	pp.pool.New = func() any {
		pp.created.Add(1)
		return newPacket(kind, capacity+extendedSlack)
	}
	return pp
}

// Get returns an empty packet.
func (pp *PacketPool) Get() *Packet {
	p := pp.pool.Get().(*Packet)
	p.reset()
	pp.acquired.Add(1)
	return p
}

// Put returns a packet to the pool.
func (pp *PacketPool) Put(p *Packet) {
	if p.kind != pp.kind {
		panic(errors.New("BUG: packet returned to a pool of another kind"))
	}
	p.reset()
	pp.released.Add(1)
	pp.pool.Put(p)
}

// Stats returns the pool counters.
func (pp *PacketPool) Stats() PoolStats {
	acquired, released := pp.acquired.Load(), pp.released.Load()
	return PoolStats{
		Name:     pp.kind.String() + "_packets",
		Created:  pp.created.Load(),
		Acquired: acquired,
		Released: released,
		InUse:    acquired - released,
	}
}

// Pools holds one packet pool per kind.
type Pools struct {
	Stream   *PacketPool
	Datagram *PacketPool
}

// DefaultPools is shared by every bundle that does not bring its own pools.
var DefaultPools = NewPools(protocol.PacketMaxSizeTCP, protocol.PacketMaxSizeUDP)

// NewPools creates stream and datagram pools.
func NewPools(streamCapacity, datagramCapacity int) *Pools {
	return &Pools{
		Stream:   NewPacketPool(StreamPacket, streamCapacity),
		Datagram: NewPacketPool(DatagramPacket, datagramCapacity),
	}
}

// For returns the pool serving kind.
func (p *Pools) For(kind PacketKind) *PacketPool {
	if kind == DatagramPacket {
		return p.Datagram
	}
	return p.Stream
}

// Stats returns the counters of both pools.
func (p *Pools) Stats() []PoolStats {
	return []PoolStats{p.Stream.Stats(), p.Datagram.Stats()}
}

// BundlePool recycles bundles sharing one configuration and packet kind.
type BundlePool struct {
	cfg      Config
	kind     PacketKind
	pool     sync.Pool
	created  atomic.Int64
	acquired atomic.Int64
	released atomic.Int64
}

// NewBundlePool creates a pool of bundles of the given kind.
func NewBundlePool(cfg Config, kind PacketKind) *BundlePool {
	bp := &BundlePool{cfg: cfg.withDefaults(), kind: kind}
	bp.pool.New = func() any {
		bp.created.Add(1)
		return NewBundle(bp.cfg, kind)
	}
	return bp
}

// Get returns an empty bundle.
func (bp *BundlePool) Get() *Bundle {
	bp.acquired.Add(1)
	return bp.pool.Get().(*Bundle)
}

// Put clears the bundle, returning its packets to their pool, and keeps
// the bundle for reuse.
func (bp *BundlePool) Put(b *Bundle) {
	b.Clear(true)
	bp.released.Add(1)
	bp.pool.Put(b)
}

// Stats returns the pool counters.
func (bp *BundlePool) Stats() PoolStats {
	acquired, released := bp.acquired.Load(), bp.released.Load()
	return PoolStats{
		Name:     bp.kind.String() + "_bundles",
		Created:  bp.created.Load(),
		Acquired: acquired,
		Released: released,
		InUse:    acquired - released,
	}
}
