package store

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// Section names
const (
	SectionHost  = "host"
	SectionPeers = "ble_peers"
)

// Host properties
const (
	PropName          = "name"
	PropAddress       = "address"
	PropAddressPolicy = "address_policy"
	PropIRK           = "irk"
	PropIOCapability  = "io_capability"
	PropRoles         = "roles"
	PropSecurityLevel = "security_level"
	PropDiscoveryMode = "discovery_mode"
)

// PeerRecord is the persisted view of a bonded peer.
type PeerRecord struct {
	Key          bt.PeerKey
	Name         string
	Alias        string
	DeviceType   bt.DeviceType
	IOCapability bt.IOCapability
	Identity     bt.PeerKey
	IRK          *[16]byte
	LocalLTK     *radio.LTK
	RemoteLTK    *radio.LTK
	LocalCSRK    *radio.SigningKey
	RemoteCSRK   *radio.SigningKey
}

// HasIdentity reports whether the record can be pushed to the resolving list.
func (r PeerRecord) HasIdentity() bool {
	return r.IRK != nil && !r.Identity.Addr.IsEmpty()
}

// BleConfig is the typed view over a Store.
type BleConfig struct {
	store  Store
	logger *logrus.Logger
}

func NewBleConfig(s Store, logger *logrus.Logger) *BleConfig {
	if logger == nil {
		logger = logrus.New()
	}
	return &BleConfig{store: s, logger: logger}
}

func (c *BleConfig) Store() Store {
	return c.store
}

func (c *BleConfig) LocalName() string {
	name, _ := c.store.GetString(SectionHost, "", PropName)
	return name
}

func (c *BleConfig) SetLocalName(name string) {
	c.store.SetValue(SectionHost, "", PropName, name)
}

// LocalAddress returns the identity address, EmptyAddress if absent or malformed.
func (c *BleConfig) LocalAddress() bt.Address {
	s, ok := c.store.GetString(SectionHost, "", PropAddress)
	if !ok {
		return bt.EmptyAddress
	}
	a, err := bt.ParseAddress(s)
	if err != nil {
		c.logger.WithField("address", s).Warn("Ignoring malformed local address in config store")
		return bt.EmptyAddress
	}
	return a
}

func (c *BleConfig) SetLocalAddress(a bt.Address) {
	c.store.SetValue(SectionHost, "", PropAddress, a.String())
}

func (c *BleConfig) AddressPolicy() bt.AddressPolicy {
	s, ok := c.store.GetString(SectionHost, "", PropAddressPolicy)
	if !ok {
		return bt.AddressPublic
	}
	p, err := bt.ParseAddressPolicy(s)
	if err != nil {
		c.logger.WithError(err).Warn("Invalid address policy in config store")
	}
	return p
}

func (c *BleConfig) SetAddressPolicy(p bt.AddressPolicy) {
	c.store.SetValue(SectionHost, "", PropAddressPolicy, p.String())
}

// LocalIRK returns the identity resolving key; ok is false when absent.
func (c *BleConfig) LocalIRK() ([16]byte, bool) {
	s, ok := c.store.GetString(SectionHost, "", PropIRK)
	if !ok {
		return [16]byte{}, false
	}
	return decodeKey(s)
}

func (c *BleConfig) SetLocalIRK(irk [16]byte) {
	c.store.SetValue(SectionHost, "", PropIRK, hex.EncodeToString(irk[:]))
}

func (c *BleConfig) IOCapability() bt.IOCapability {
	s, ok := c.store.GetString(SectionHost, "", PropIOCapability)
	if !ok {
		return bt.IONoInputNoOutput
	}
	io, err := bt.ParseIOCapability(s)
	if err != nil {
		c.logger.WithError(err).Warn("Invalid io capability in config store")
	}
	return io
}

func (c *BleConfig) SetIOCapability(io bt.IOCapability) {
	c.store.SetValue(SectionHost, "", PropIOCapability, io.String())
}

func (c *BleConfig) Roles() bt.Roles {
	n, _ := c.store.GetInt(SectionHost, "", PropRoles)
	return bt.Roles(n).Normalize()
}

func (c *BleConfig) SetRoles(r bt.Roles) {
	c.store.SetValue(SectionHost, "", PropRoles, int(r))
}

func (c *BleConfig) SecurityLevel() bt.SecurityLevel {
	n, ok := c.store.GetInt(SectionHost, "", PropSecurityLevel)
	if !ok || n < int(bt.SecurityNone) || n > int(bt.SecurityAuthenticatedSC) {
		return bt.SecurityUnauthenticated
	}
	return bt.SecurityLevel(n)
}

func (c *BleConfig) SetSecurityLevel(l bt.SecurityLevel) {
	c.store.SetValue(SectionHost, "", PropSecurityLevel, int(l))
}

func (c *BleConfig) DiscoveryMode() bt.DiscoveryMode {
	s, ok := c.store.GetString(SectionHost, "", PropDiscoveryMode)
	if !ok {
		return bt.DiscoveryAll
	}
	m, err := bt.ParseDiscoveryMode(s)
	if err != nil {
		c.logger.WithError(err).Warn("Invalid discovery mode in config store")
	}
	return m
}

func (c *BleConfig) SetDiscoveryMode(m bt.DiscoveryMode) {
	c.store.SetValue(SectionHost, "", PropDiscoveryMode, m.String())
}

// Peers returns every persisted peer; malformed subsections are skipped.
func (c *BleConfig) Peers() []PeerRecord {
	var out []PeerRecord
	for _, sub := range c.store.Subsections(SectionPeers) {
		rec, err := c.Peer(sub)
		if err != nil {
			c.logger.WithError(err).WithField("address", sub).Warn("Skipping malformed peer record")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Peer decodes the record stored under address.
func (c *BleConfig) Peer(address string) (PeerRecord, error) {
	addr, err := bt.ParseAddress(address)
	if err != nil {
		return PeerRecord{}, err
	}
	if !c.store.HasSubsection(SectionPeers, address) {
		return PeerRecord{}, bt.NewError(bt.CodeUnknownDevice, "no persisted record for %s", address)
	}

	get := func(p string) (string, bool) { return c.store.GetString(SectionPeers, address, p) }
	getInt := func(p string) int {
		n, _ := c.store.GetInt(SectionPeers, address, p)
		return n
	}

	rec := PeerRecord{Key: bt.PeerKey{Type: bt.AddrType(getInt("addr_type")), Addr: addr}}
	rec.Name, _ = get("name")
	rec.Alias, _ = get("alias")
	rec.DeviceType = bt.DeviceType(getInt("device_type"))
	rec.IOCapability = bt.IOCapability(getInt("io_capability"))

	if s, ok := get("identity"); ok {
		id, err := bt.ParseAddress(s)
		if err != nil {
			return PeerRecord{}, fmt.Errorf("identity address: %w", err)
		}
		rec.Identity = bt.PeerKey{Type: bt.AddrType(getInt("identity_type")), Addr: id}
	}
	if s, ok := get("irk"); ok {
		if irk, ok := decodeKey(s); ok {
			rec.IRK = &irk
		}
	}
	rec.LocalLTK = c.ltk(address, "local")
	rec.RemoteLTK = c.ltk(address, "remote")
	rec.LocalCSRK = c.csrk(address, "local")
	rec.RemoteCSRK = c.csrk(address, "remote")
	return rec, nil
}

// SavePeer writes every non-nil field of rec.
func (c *BleConfig) SavePeer(rec PeerRecord) {
	sub := rec.Key.Addr.String()
	set := func(p string, v any) { c.store.SetValue(SectionPeers, sub, p, v) }

	set("addr_type", int(rec.Key.Type))
	set("device_type", int(rec.DeviceType))
	set("io_capability", int(rec.IOCapability))
	if rec.Name != "" {
		set("name", rec.Name)
	}
	if rec.Alias != "" {
		set("alias", rec.Alias)
	}
	if !rec.Identity.Addr.IsEmpty() {
		set("identity", rec.Identity.Addr.String())
		set("identity_type", int(rec.Identity.Type))
	}
	if rec.IRK != nil {
		set("irk", hex.EncodeToString(rec.IRK[:]))
	}
	c.setLTK(sub, "local", rec.LocalLTK)
	c.setLTK(sub, "remote", rec.RemoteLTK)
	c.setCSRK(sub, "local", rec.LocalCSRK)
	c.setCSRK(sub, "remote", rec.RemoteCSRK)
}

// RemovePeer deletes the record of addr; it reports whether one existed.
func (c *BleConfig) RemovePeer(addr bt.Address) bool {
	return c.store.RemoveSubsection(SectionPeers, addr.String())
}

// PeersWithIdentity returns the persisted peers whose identity address is identity.
func (c *BleConfig) PeersWithIdentity(identity bt.Address) []PeerRecord {
	var out []PeerRecord
	for _, rec := range c.Peers() {
		if rec.Identity.Addr == identity {
			out = append(out, rec)
		}
	}
	return out
}

func (c *BleConfig) ltk(sub, side string) *radio.LTK {
	s, ok := c.store.GetString(SectionPeers, sub, side+"_ltk")
	if !ok {
		return nil
	}
	key, ok := decodeKey(s)
	if !ok {
		return nil
	}
	ediv, _ := c.store.GetInt(SectionPeers, sub, side+"_ediv")
	size, _ := c.store.GetInt(SectionPeers, sub, side+"_key_size")
	randStr, _ := c.store.GetString(SectionPeers, sub, side+"_rand")
	rnd, _ := strconv.ParseUint(randStr, 16, 64)
	return &radio.LTK{Key: key, EDIV: uint16(ediv), Rand: rnd, KeySize: uint8(size)}
}

func (c *BleConfig) setLTK(sub, side string, k *radio.LTK) {
	if k == nil {
		return
	}
	c.store.SetValue(SectionPeers, sub, side+"_ltk", hex.EncodeToString(k.Key[:]))
	c.store.SetValue(SectionPeers, sub, side+"_ediv", int(k.EDIV))
	c.store.SetValue(SectionPeers, sub, side+"_rand", strconv.FormatUint(k.Rand, 16))
	c.store.SetValue(SectionPeers, sub, side+"_key_size", int(k.KeySize))
}

func (c *BleConfig) csrk(sub, side string) *radio.SigningKey {
	s, ok := c.store.GetString(SectionPeers, sub, side+"_csrk")
	if !ok {
		return nil
	}
	key, ok := decodeKey(s)
	if !ok {
		return nil
	}
	counter, _ := c.store.GetInt(SectionPeers, sub, side+"_sign_counter")
	return &radio.SigningKey{CSRK: key, Counter: uint32(counter)}
}

func (c *BleConfig) setCSRK(sub, side string, k *radio.SigningKey) {
	if k == nil {
		return
	}
	c.store.SetValue(SectionPeers, sub, side+"_csrk", hex.EncodeToString(k.CSRK[:]))
	c.store.SetValue(SectionPeers, sub, side+"_sign_counter", int(k.Counter))
}

func decodeKey(s string) ([16]byte, bool) {
	var k [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, false
	}
	copy(k[:], b)
	return k, true
}
