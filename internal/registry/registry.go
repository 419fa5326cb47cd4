// Package registry maps device addresses to peer state shared by the
// advertiser, scanner, security and adapter components.
//
// Writes happen on the adapter dispatcher. Entries are stored by value so
// readers on other goroutines always observe a consistent snapshot.
package registry

import (
	"sort"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
)

// Peer is the registry entry for one remote device.
type Peer struct {
	Key          bt.PeerKey      `json:"key"`
	ConnHandle   uint16          `json:"conn_handle"`
	PairState    bt.PairState    `json:"pair_state"`
	IOCapability bt.IOCapability `json:"io_capability"`
	Name         string          `json:"name,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	DeviceType   bt.DeviceType   `json:"device_type"`
	AclConnected bool            `json:"acl_connected"`
	Encrypted    bool            `json:"encrypted"`
	Identity     bt.PeerKey      `json:"identity"`
	RSSI         int8            `json:"rssi"`
	Role         uint8           `json:"role"`
}

// IsPaired reports whether the peer completed pairing.
func (p Peer) IsPaired() bool {
	return p.PairState == bt.PairPaired
}

// Registry is the address → peer table.
type Registry struct {
	peers  *hashmap.Map[string, Peer]
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		peers:  hashmap.New[string, Peer](),
		logger: logger,
	}
}

// Get returns a snapshot of the peer at addr.
func (r *Registry) Get(addr bt.Address) (Peer, bool) {
	return r.peers.Get(addr.String())
}

// Upsert applies fn to the peer at key, creating it with the given address
// type if absent, and returns the stored result.
func (r *Registry) Upsert(key bt.PeerKey, fn func(p *Peer)) Peer {
	p, ok := r.peers.Get(key.Addr.String())
	if !ok {
		p = Peer{Key: key, IOCapability: bt.IONoInputNoOutput}
		r.logger.WithFields(logrus.Fields{
			"address":   key.Addr,
			"addr_type": key.Type,
		}).Debug("Registry entry created")
	}
	if fn != nil {
		fn(&p)
	}
	r.peers.Set(key.Addr.String(), p)
	return p
}

// Update applies fn to an existing peer. It reports false if addr is unknown.
func (r *Registry) Update(addr bt.Address, fn func(p *Peer)) (Peer, bool) {
	p, ok := r.peers.Get(addr.String())
	if !ok {
		return Peer{}, false
	}
	fn(&p)
	r.peers.Set(addr.String(), p)
	return p, true
}

// PairState returns PairNone for unknown peers.
func (r *Registry) PairState(addr bt.Address) bt.PairState {
	if p, ok := r.Get(addr); ok {
		return p.PairState
	}
	return bt.PairNone
}

// SetPairState updates an existing peer and returns the previous state.
func (r *Registry) SetPairState(addr bt.Address, state bt.PairState) (bt.PairState, bool) {
	prev := bt.PairNone
	_, ok := r.Update(addr, func(p *Peer) {
		prev = p.PairState
		p.PairState = state
	})
	return prev, ok
}

// FindByIdentity returns the peers whose identity address equals identity.
func (r *Registry) FindByIdentity(identity bt.Address) []Peer {
	var out []Peer
	r.peers.Range(func(_ string, p Peer) bool {
		if p.Identity.Addr == identity {
			out = append(out, p)
		}
		return true
	})
	return out
}

func (r *Registry) Remove(addr bt.Address) bool {
	return r.peers.Del(addr.String())
}

// Range iterates a snapshot of all peers until fn returns false.
func (r *Registry) Range(fn func(p Peer) bool) {
	r.peers.Range(func(_ string, p Peer) bool {
		return fn(p)
	})
}

// List returns all peers sorted by address.
func (r *Registry) List() []Peer {
	out := make([]Peer, 0, r.peers.Len())
	r.Range(func(p Peer) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.Addr.String() < out[j].Key.Addr.String()
	})
	return out
}

// Paired returns all peers in PairPaired state, sorted by address.
func (r *Registry) Paired() []Peer {
	var out []Peer
	for _, p := range r.List() {
		if p.IsPaired() {
			out = append(out, p)
		}
	}
	return out
}

// Clear drops every entry.
func (r *Registry) Clear() {
	var keys []string
	r.peers.Range(func(k string, _ Peer) bool {
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		r.peers.Del(k)
	}
}

func (r *Registry) Len() int {
	return r.peers.Len()
}
