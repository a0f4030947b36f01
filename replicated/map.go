package replicated

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/metrics"
	"github.com/johnewart/go-tribes/rpc"
	"github.com/johnewart/go-tribes/util"
	"zombiezen.com/go/log"
)

// Group is the part of the group channel the map needs.
type Group interface {
	rpc.Group
	AddMembershipListener(l channel.MembershipListener)
	RemoveMembershipListener(l channel.MembershipListener)
	LocalMember() *cluster.Member
	Members() []*cluster.Member
}

// MapOwner is told when this node takes over as primary for an entry.
type MapOwner[K comparable, V any] interface {
	ObjectMadePrimary(key K, value V)
}

// DiffApplier applies a diff produced by the primary to a replica's value.
type DiffApplier[V any] interface {
	ApplyDiff(current V, diff []byte) (V, error)
}

type Config[K comparable, V any] struct {
	KeyCodec    Codec[K]
	ValueCodec  Codec[V]
	Owner       MapOwner[K, V]
	DiffApplier DiffApplier[V]
	// OnMessage sees every asynchronous map message before Apply; returning
	// true consumes it.
	OnMessage func(msg *MapMessage, sender *cluster.Member) bool
	// FullCopy replicates every entry to every map member instead of one
	// backup plus proxies.
	FullCopy   bool
	RpcTimeout time.Duration
	Options    channel.Options
	Metrics    *metrics.Registry
}

func DefaultConfig[K comparable, V any]() Config[K, V] {
	return Config[K, V]{
		KeyCodec:   JSONCodec[K]{},
		ValueCodec: JSONCodec[V]{},
		RpcTimeout: 15 * time.Second,
		Options:    channel.OptionUseAck | channel.OptionOrdered,
	}
}

type entry[V any] struct {
	value    V
	hasValue bool
	primary  *cluster.Member
	backups  []*cluster.Member
	backup   bool
	proxy    bool
	copy     bool
	accessed time.Time
}

type replicaTask[K comparable, V any] struct {
	key      K
	value    V
	promoted bool
}

type stateEntry[K comparable, V any] struct {
	key K
	e   entry[V]
}

// EntryInfo is a snapshot of one entry's replication state.
type EntryInfo[K comparable, V any] struct {
	Key        K
	Value      V
	HasValue   bool
	Primary    *cluster.Member
	Backups    []*cluster.Member
	IsPrimary  bool
	IsBackup   bool
	IsProxy    bool
	IsCopy     bool
	AccessTime time.Time
}

// Map is a key/value map distributed over the members running a map with
// the same name. Every entry has one primary owner; by default a single
// backup holds a copy and the remaining members hold routing-only proxies.
// Reading an entry on a node that is not its primary moves ownership there.
type Map[K comparable, V any] struct {
	ctx     context.Context
	name    string
	mapID   []byte
	config  Config[K, V]
	group   Group
	rpc     *rpc.Channel
	metrics *metrics.Registry

	mu         sync.Mutex
	entries    map[K]*entry[V]
	members    map[string]*cluster.Member
	nextBackup int
	started    bool
}

func NewMap[K comparable, V any](ctx context.Context, group Group, name string, config Config[K, V]) *Map[K, V] {
	defaults := DefaultConfig[K, V]()
	if config.KeyCodec == nil {
		config.KeyCodec = defaults.KeyCodec
	}
	if config.ValueCodec == nil {
		config.ValueCodec = defaults.ValueCodec
	}
	if config.RpcTimeout <= 0 {
		config.RpcTimeout = defaults.RpcTimeout
	}
	if config.Options == channel.OptionNone {
		config.Options = defaults.Options
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopRegistry()
	}
	return &Map[K, V]{
		ctx:     ctx,
		name:    name,
		mapID:   []byte(name),
		config:  config,
		group:   group,
		metrics: config.Metrics,
		entries: make(map[K]*entry[V]),
		members: make(map[string]*cluster.Member),
	}
}

func (m *Map[K, V]) Name() string {
	return m.name
}

// Start joins the map: it announces itself with INIT, pulls the current
// state from the first map member and announces START.
func (m *Map[K, V]) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("map %s already started", m.name)
	}
	m.started = true
	m.mu.Unlock()

	m.rpc = rpc.NewChannel(m.ctx, m.group, m.mapID, m, rpc.Config{Metrics: m.metrics})
	m.group.AddListener(m)
	m.group.AddMembershipListener(m)

	if err := m.broadcastRPC(ctx, MsgInit, m.group.Members()); err != nil {
		return fmt.Errorf("unable to initialize map %s: %v", m.name, err)
	}
	if err := m.transferState(ctx); err != nil {
		log.Warnf(ctx, "Map %s: unable to transfer state: %v", m.name, err)
	}
	if err := m.broadcastRPC(ctx, MsgStart, m.MapMembers()); err != nil {
		return fmt.Errorf("unable to start map %s: %v", m.name, err)
	}
	log.Infof(ctx, "Map %s started with %d map member(s) and %d entries", m.name, len(m.MapMembers()), m.Size())
	return nil
}

// Stop tells the other map members that this node leaves and drops all
// local state.
func (m *Map[K, V]) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	members := m.mapMembersLocked()
	m.mu.Unlock()

	var err error
	if len(members) > 0 {
		err = m.send(ctx, members, &MapMessage{MapID: m.mapID, Type: MsgStop, Primary: m.local()})
	}

	m.group.RemoveListener(m)
	m.group.RemoveMembershipListener(m)
	m.rpc.Close()

	m.mu.Lock()
	m.entries = make(map[K]*entry[V])
	m.members = make(map[string]*cluster.Member)
	m.mu.Unlock()
	return err
}

func (m *Map[K, V]) local() *cluster.Member {
	return m.group.LocalMember()
}

func (m *Map[K, V]) isLocal(member *cluster.Member) bool {
	return member != nil && member.Equal(m.local())
}

func (m *Map[K, V]) broadcastRPC(ctx context.Context, t MessageType, dests []*cluster.Member) error {
	if len(dests) == 0 {
		return nil
	}
	data, err := (&MapMessage{MapID: m.mapID, Type: t, Primary: m.local()}).Encode()
	if err != nil {
		return err
	}
	responses, err := m.rpc.Send(ctx, dests, data, rpc.AllReply, m.config.Options, m.config.RpcTimeout)
	for _, r := range responses {
		m.mapMemberAdded(r.Source)
	}
	var ce *channel.ChannelError
	if errors.As(err, &ce) {
		log.Warnf(ctx, "Map %s: %v not delivered: %v", m.name, t, ce)
		return nil
	}
	return err
}

func (m *Map[K, V]) transferState(ctx context.Context) error {
	members := m.MapMembers()
	if len(members) == 0 {
		return nil
	}
	t := MsgState
	if m.config.FullCopy {
		t = MsgStateCopy
	}
	data, err := (&MapMessage{MapID: m.mapID, Type: t, Primary: m.local()}).Encode()
	if err != nil {
		return err
	}

	responses, err := m.rpc.Send(ctx, members[:1], data, rpc.FirstReply, m.config.Options, m.config.RpcTimeout)
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		return fmt.Errorf("no state received from %v", members[0])
	}
	reply, err := DecodeMapMessage(responses[0].Message)
	if err != nil {
		return err
	}
	list, err := decodeList(reply.ValueData)
	if err != nil {
		return err
	}
	for _, msg := range list {
		if err := m.applyState(msg); err != nil {
			log.Warnf(ctx, "Map %s: skipping state entry: %v", m.name, err)
		}
	}
	log.Infof(ctx, "Map %s: received %d entries from %v", m.name, len(list), members[0])
	return nil
}

func (m *Map[K, V]) applyState(msg *MapMessage) error {
	key, err := DecodeKey(msg, m.config.KeyCodec)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MsgProxy:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.entries[key]; !ok {
			m.entries[key] = &entry[V]{proxy: true, primary: msg.Primary, backups: msg.Backups}
		}
	case MsgCopy:
		value, err := DecodeValue(msg, m.config.ValueCodec)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.entries[key]; ok && m.isLocal(e.primary) {
			return nil
		}
		m.entries[key] = &entry[V]{
			value:    value,
			hasValue: true,
			copy:     true,
			primary:  msg.Primary,
			backups:  msg.Backups,
			accessed: time.Now(),
		}
	}
	return nil
}

func (m *Map[K, V]) send(ctx context.Context, to []*cluster.Member, msg *MapMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	_, err = m.group.Send(ctx, to, data, m.config.Options)
	return err
}

func (m *Map[K, V]) encode(key K, value V) ([]byte, []byte, error) {
	keyData, err := m.config.KeyCodec.Encode(key)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to encode key: %v", err)
	}
	valueData, err := m.config.ValueCodec.Encode(value)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to encode value: %v", err)
	}
	return keyData, valueData, nil
}

// publish replicates a primary entry. In full-copy mode every map member
// receives a COPY; otherwise one backup, chosen round robin, receives a
// BACKUP and everybody else a PROXY. It returns the backup nodes.
func (m *Map[K, V]) publish(ctx context.Context, keyData, valueData []byte) ([]*cluster.Member, error) {
	members := m.MapMembers()
	if len(members) == 0 {
		return nil, nil
	}
	local := m.local()
	faults := channel.NewChannelError()

	if m.config.FullCopy {
		err := m.send(ctx, members, &MapMessage{
			MapID: m.mapID, Type: MsgCopy, KeyData: keyData, ValueData: valueData,
			Primary: local, Backups: members,
		})
		if err != nil {
			faults.Merge(err, members)
		}
		return cluster.Exclude(members, faults.Members()...), faults.ErrOrNil()
	}

	m.mu.Lock()
	start := m.nextBackup % len(members)
	m.nextBackup++
	m.mu.Unlock()

	var backups []*cluster.Member
	for i := 0; i < len(members); i++ {
		candidate := members[(start+i)%len(members)]
		err := m.send(ctx, []*cluster.Member{candidate}, &MapMessage{
			MapID: m.mapID, Type: MsgBackup, KeyData: keyData, ValueData: valueData,
			Primary: local, Backups: []*cluster.Member{candidate},
		})
		if err != nil {
			faults.Merge(err, []*cluster.Member{candidate})
			continue
		}
		backups = []*cluster.Member{candidate}
		break
	}

	if proxies := cluster.Exclude(members, append(backups, faults.Members()...)...); len(proxies) > 0 {
		err := m.send(ctx, proxies, &MapMessage{
			MapID: m.mapID, Type: MsgProxy, KeyData: keyData,
			Primary: local, Backups: backups,
		})
		if err != nil {
			faults.Merge(err, proxies)
		}
	}
	return backups, faults.ErrOrNil()
}

// Put stores value under key with this node as primary. The entry is stored
// even if replication partly fails; the returned *channel.ChannelError lists
// the members that missed the update.
func (m *Map[K, V]) Put(ctx context.Context, key K, value V) error {
	keyData, valueData, err := m.encode(key, value)
	if err != nil {
		return err
	}
	m.metrics.CountMapOperation(m.name, "put")

	m.mu.Lock()
	existing := m.entries[key]
	if existing != nil && m.isLocal(existing.primary) {
		existing.value = value
		existing.hasValue = true
		existing.accessed = time.Now()
		backups := cluster.Exclude(existing.backups, m.local())
		m.mu.Unlock()

		if len(backups) > 0 && !m.config.FullCopy {
			return m.send(ctx, backups, &MapMessage{
				MapID: m.mapID, Type: MsgBackup, KeyData: keyData, ValueData: valueData,
				Primary: m.local(), Backups: backups,
			})
		}
		backups, err := m.publish(ctx, keyData, valueData)
		m.setBackups(key, backups)
		return err
	}
	m.mu.Unlock()

	if existing != nil {
		if _, _, err := m.Remove(ctx, key); err != nil {
			log.Warnf(ctx, "Map %s: unable to remove previous owner of key: %v", m.name, err)
		}
	}

	m.mu.Lock()
	m.entries[key] = &entry[V]{value: value, hasValue: true, primary: m.local(), accessed: time.Now()}
	m.mu.Unlock()

	backups, err := m.publish(ctx, keyData, valueData)
	m.setBackups(key, backups)
	return err
}

func (m *Map[K, V]) setBackups(key K, backups []*cluster.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && m.isLocal(e.primary) {
		e.backups = backups
	}
}

// Get returns the value for key. When this node is not the entry's primary
// it takes ownership: a backup or copy promotes itself and picks new
// backups, a proxy pulls the value from a replica first.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	m.metrics.CountMapOperation(m.name, "get")

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return zero, false, nil
	}
	e.accessed = time.Now()
	if m.isLocal(e.primary) && e.hasValue {
		value := e.value
		backups := cluster.Exclude(e.backups, m.local())
		m.mu.Unlock()
		m.notifyAccess(ctx, key, backups)
		return value, true, nil
	}
	value, hasValue := e.value, e.hasValue
	targets := cluster.Union(e.backups, []*cluster.Member{e.primary})
	m.mu.Unlock()

	if hasValue {
		keyData, valueData, err := m.encode(key, value)
		if err != nil {
			return zero, false, err
		}
		m.makePrimary(key, value, nil)
		backups, err := m.publish(ctx, keyData, valueData)
		if err != nil {
			log.Warnf(ctx, "Map %s: unable to replicate after taking ownership: %v", m.name, err)
		}
		m.setBackups(key, backups)
		m.madePrimary(key, value)
		return value, true, nil
	}

	value, backups, err := m.retrieve(ctx, key, cluster.Exclude(targets, m.local()))
	if err != nil {
		return zero, false, err
	}
	if backups == nil {
		return zero, false, nil
	}
	m.madePrimary(key, value)
	return value, true, nil
}

// retrieve pulls the value of a proxied entry from its replicas and makes
// this node the primary. A nil backup list means no replica answered.
func (m *Map[K, V]) retrieve(ctx context.Context, key K, targets []*cluster.Member) (V, []*cluster.Member, error) {
	var zero V
	if len(targets) == 0 {
		log.Warnf(ctx, "Map %s: no replica to retrieve key from", m.name)
		return zero, nil, nil
	}
	keyData, err := m.config.KeyCodec.Encode(key)
	if err != nil {
		return zero, nil, fmt.Errorf("unable to encode key: %v", err)
	}
	data, err := (&MapMessage{MapID: m.mapID, Type: MsgRetrieveBackup, KeyData: keyData}).Encode()
	if err != nil {
		return zero, nil, err
	}

	responses, err := m.rpc.Send(ctx, targets, data, rpc.FirstReply, m.config.Options, m.config.RpcTimeout)
	var ce *channel.ChannelError
	if err != nil && !errors.As(err, &ce) {
		return zero, nil, err
	}
	if len(responses) == 0 {
		log.Warnf(ctx, "Map %s: unable to retrieve key from %d replica(s)", m.name, len(targets))
		return zero, nil, nil
	}

	reply, err := DecodeMapMessage(responses[0].Message)
	if err != nil {
		return zero, nil, err
	}
	value, err := DecodeValue(reply, m.config.ValueCodec)
	if err != nil {
		return zero, nil, err
	}

	m.mu.Lock()
	var backups []*cluster.Member
	if e, ok := m.entries[key]; ok {
		backups = cluster.Exclude(e.backups, m.local())
	}
	m.mu.Unlock()
	m.makePrimary(key, value, backups)

	if len(backups) > 0 {
		if err := m.send(ctx, backups, &MapMessage{
			MapID: m.mapID, Type: MsgBackup, KeyData: keyData, ValueData: reply.ValueData,
			Primary: m.local(), Backups: backups,
		}); err != nil {
			log.Warnf(ctx, "Map %s: unable to notify backups of new primary: %v", m.name, err)
		}
		if others := cluster.Exclude(m.MapMembers(), backups...); len(others) > 0 {
			if err := m.send(ctx, others, &MapMessage{
				MapID: m.mapID, Type: MsgProxy, KeyData: keyData,
				Primary: m.local(), Backups: backups,
			}); err != nil {
				log.Warnf(ctx, "Map %s: unable to invalidate previous primary: %v", m.name, err)
			}
		}
	} else {
		published, err := m.publish(ctx, keyData, reply.ValueData)
		if err != nil {
			log.Warnf(ctx, "Map %s: unable to replicate after taking ownership: %v", m.name, err)
		}
		m.setBackups(key, published)
		backups = published
	}
	if backups == nil {
		backups = []*cluster.Member{}
	}
	return value, backups, nil
}

func (m *Map[K, V]) makePrimary(key K, value V, backups []*cluster.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{}
		m.entries[key] = e
	}
	e.value = value
	e.hasValue = true
	e.primary = m.local()
	e.backups = backups
	e.backup = false
	e.proxy = false
	e.copy = false
	e.accessed = time.Now()
}

func (m *Map[K, V]) madePrimary(key K, value V) {
	if m.config.Owner != nil {
		m.config.Owner.ObjectMadePrimary(key, value)
	}
}

func (m *Map[K, V]) notifyAccess(ctx context.Context, key K, backups []*cluster.Member) {
	if len(backups) == 0 {
		return
	}
	keyData, err := m.config.KeyCodec.Encode(key)
	if err != nil {
		return
	}
	if err := m.send(ctx, backups, &MapMessage{MapID: m.mapID, Type: MsgAccess, KeyData: keyData, Primary: m.local()}); err != nil {
		log.Debugf(ctx, "Map %s: access notification failed: %v", m.name, err)
	}
}

// Remove deletes key locally and on every map member.
func (m *Map[K, V]) Remove(ctx context.Context, key K) (V, bool, error) {
	m.metrics.CountMapOperation(m.name, "remove")
	m.mu.Lock()
	e, ok := m.entries[key]
	delete(m.entries, key)
	members := m.mapMembersLocked()
	m.mu.Unlock()

	var (
		value    V
		hasValue bool
	)
	if ok {
		value, hasValue = e.value, e.hasValue
	}
	if len(members) == 0 {
		return value, hasValue, nil
	}
	keyData, err := m.config.KeyCodec.Encode(key)
	if err != nil {
		return value, hasValue, fmt.Errorf("unable to encode key: %v", err)
	}
	err = m.send(ctx, members, &MapMessage{MapID: m.mapID, Type: MsgRemove, KeyData: keyData})
	return value, hasValue, err
}

// Update applies diff to the primary value and ships only the diff to the
// replicas, which apply it with the configured DiffApplier.
func (m *Map[K, V]) Update(ctx context.Context, key K, diff []byte) error {
	if m.config.DiffApplier == nil {
		return fmt.Errorf("map %s has no diff applier", m.name)
	}
	keyData, err := m.config.KeyCodec.Encode(key)
	if err != nil {
		return fmt.Errorf("unable to encode key: %v", err)
	}
	m.metrics.CountMapOperation(m.name, "update")

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || !m.isLocal(e.primary) || !e.hasValue {
		m.mu.Unlock()
		return fmt.Errorf("unable to update key: not primary on this node")
	}
	updated, err := m.config.DiffApplier.ApplyDiff(e.value, diff)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("unable to apply diff: %v", err)
	}
	e.value = updated
	e.accessed = time.Now()
	backups := cluster.Exclude(e.backups, m.local())
	m.mu.Unlock()

	if len(backups) == 0 {
		return nil
	}
	t := MsgBackup
	if m.config.FullCopy {
		t = MsgCopy
	}
	return m.send(ctx, backups, &MapMessage{
		MapID: m.mapID, Type: t, Diff: true, KeyData: keyData, DiffData: diff,
		Primary: m.local(), Backups: backups,
	})
}

// ContainsKey reports whether the key is known on this node, including as a
// proxy.
func (m *Map[K, V]) ContainsKey(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Keys returns the keys this node holds a value for.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]K, 0, len(m.entries))
	for k, e := range m.entries {
		if e.hasValue {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Map[K, V]) Size() int {
	return len(m.Keys())
}

func (m *Map[K, V]) Entry(key K) (EntryInfo[K, V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return EntryInfo[K, V]{}, false
	}
	return EntryInfo[K, V]{
		Key:        key,
		Value:      e.value,
		HasValue:   e.hasValue,
		Primary:    e.primary,
		Backups:    append([]*cluster.Member(nil), e.backups...),
		IsPrimary:  m.isLocal(e.primary),
		IsBackup:   e.backup,
		IsProxy:    e.proxy,
		IsCopy:     e.copy,
		AccessTime: e.accessed,
	}, true
}

// MapMembers returns the members running this map, in AbsoluteOrder.
func (m *Map[K, V]) MapMembers() []*cluster.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapMembersLocked()
}

func (m *Map[K, V]) mapMembersLocked() []*cluster.Member {
	out := make([]*cluster.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	return cluster.SortAbsolute(out)
}

func (m *Map[K, V]) mapMemberAdded(member *cluster.Member) {
	if member == nil || m.isLocal(member) {
		return
	}
	m.mu.Lock()
	if _, ok := m.members[member.Key()]; ok {
		m.mu.Unlock()
		return
	}
	m.members[member.Key()] = member

	unreplicated := make([]replicaTask[K, V], 0)
	for k, e := range m.entries {
		if m.isLocal(e.primary) && e.hasValue && (m.config.FullCopy || len(e.backups) == 0) {
			unreplicated = append(unreplicated, replicaTask[K, V]{key: k, value: e.value})
		}
	}
	m.mu.Unlock()
	log.Infof(m.ctx, "Map %s: member added %v", m.name, member)

	for _, p := range unreplicated {
		keyData, valueData, err := m.encode(p.key, p.value)
		if err != nil {
			continue
		}
		if m.config.FullCopy {
			if err := m.send(m.ctx, []*cluster.Member{member}, &MapMessage{
				MapID: m.mapID, Type: MsgCopy, KeyData: keyData, ValueData: valueData,
				Primary: m.local(), Backups: m.MapMembers(),
			}); err != nil {
				log.Warnf(m.ctx, "Map %s: unable to copy entry to %v: %v", m.name, member, err)
				continue
			}
			m.setBackups(p.key, m.MapMembers())
			continue
		}
		backups, err := m.publish(m.ctx, keyData, valueData)
		if err != nil {
			log.Warnf(m.ctx, "Map %s: unable to replicate entry: %v", m.name, err)
		}
		m.setBackups(p.key, backups)
	}
}

// memberDisappeared handles a map member leaving: primaries re-replicate
// entries that lost their backup, the designated backup of an entry whose
// primary left promotes itself, and proxies with no replica left are dropped.
func (m *Map[K, V]) memberDisappeared(member *cluster.Member) {
	m.mu.Lock()
	if _, ok := m.members[member.Key()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.members, member.Key())

	actions := make([]replicaTask[K, V], 0)
	for k, e := range m.entries {
		lostBackup := cluster.Contains(e.backups, member)
		e.backups = cluster.Exclude(e.backups, member)

		if m.isLocal(e.primary) {
			if lostBackup && e.hasValue && !m.config.FullCopy && len(e.backups) == 0 {
				actions = append(actions, replicaTask[K, V]{key: k, value: e.value})
			}
			continue
		}
		if e.primary != nil && e.primary.Equal(member) {
			e.primary = nil
		}
		if e.primary != nil {
			continue
		}
		switch {
		case (e.backup || e.copy) && e.hasValue && len(e.backups) > 0 && m.isLocal(e.backups[0]):
			e.primary = m.local()
			e.backups = nil
			e.backup, e.proxy, e.copy = false, false, false
			actions = append(actions, replicaTask[K, V]{key: k, value: e.value, promoted: true})
		case e.proxy && len(e.backups) == 0:
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	log.Infof(m.ctx, "Map %s: member disappeared %v, %d entries to re-replicate", m.name, member, len(actions))

	for _, a := range actions {
		keyData, valueData, err := m.encode(a.key, a.value)
		if err != nil {
			continue
		}
		backups, err := m.publish(m.ctx, keyData, valueData)
		if err != nil {
			log.Warnf(m.ctx, "Map %s: unable to re-replicate entry: %v", m.name, err)
		}
		m.setBackups(a.key, backups)
		if a.promoted {
			m.madePrimary(a.key, a.value)
		}
	}
}

// Accept claims map messages carrying this map's id.
func (m *Map[K, V]) Accept(msg *channel.Message) bool {
	if !isMapMessage(msg.Payload) {
		return false
	}
	r := util.NewWireReader(msg.Payload[len(header):])
	id := r.Bytes("map id")
	return r.Err() == nil && bytes.Equal(id, m.mapID)
}

func (m *Map[K, V]) MessageReceived(msg *channel.Message) {
	mm, err := DecodeMapMessage(msg.Payload)
	if err != nil {
		log.Warnf(m.ctx, "Map %s: dropping message from %v: %v", m.name, msg.Address, err)
		return
	}
	if m.config.OnMessage != nil && m.config.OnMessage(mm, msg.Address) {
		return
	}
	m.Apply(mm, msg.Address)
}

// Apply performs the default handling of an asynchronous map message.
func (m *Map[K, V]) Apply(mm *MapMessage, sender *cluster.Member) {
	if mm.Type == MsgStop {
		m.memberDisappeared(sender)
		return
	}
	m.mapMemberAdded(sender)

	switch mm.Type {
	case MsgBackup, MsgCopy:
		m.applyBackup(mm)
	case MsgProxy:
		m.applyProxy(mm)
	case MsgRemove:
		if key, err := DecodeKey(mm, m.config.KeyCodec); err == nil {
			m.mu.Lock()
			delete(m.entries, key)
			m.mu.Unlock()
		}
	case MsgAccess:
		if key, err := DecodeKey(mm, m.config.KeyCodec); err == nil {
			m.mu.Lock()
			if e, ok := m.entries[key]; ok {
				e.accessed = time.Now()
			}
			m.mu.Unlock()
		}
	case MsgInit, MsgStart:
	default:
		log.Debugf(m.ctx, "Map %s: ignoring %v from %v", m.name, mm.Type, sender)
	}
}

func (m *Map[K, V]) applyBackup(mm *MapMessage) {
	key, err := DecodeKey(mm, m.config.KeyCodec)
	if err != nil {
		log.Warnf(m.ctx, "Map %s: %v", m.name, err)
		return
	}
	var value V
	if !mm.Diff {
		if value, err = DecodeValue(mm, m.config.ValueCodec); err != nil {
			log.Warnf(m.ctx, "Map %s: %v", m.name, err)
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if mm.Diff {
		if !ok || !e.hasValue || m.config.DiffApplier == nil {
			log.Warnf(m.ctx, "Map %s: unable to apply diff without a replica value", m.name)
			return
		}
		if value, err = m.config.DiffApplier.ApplyDiff(e.value, mm.DiffData); err != nil {
			log.Warnf(m.ctx, "Map %s: unable to apply diff: %v", m.name, err)
			return
		}
	}
	if !ok {
		e = &entry[V]{}
		m.entries[key] = e
	}
	e.value = value
	e.hasValue = true
	e.backup = mm.Type == MsgBackup
	e.copy = mm.Type == MsgCopy
	e.proxy = false
	e.primary = mm.Primary
	e.backups = mm.Backups
	e.accessed = time.Now()
}

func (m *Map[K, V]) applyProxy(mm *MapMessage) {
	key, err := DecodeKey(mm, m.config.KeyCodec)
	if err != nil {
		log.Warnf(m.ctx, "Map %s: %v", m.name, err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{}
		m.entries[key] = e
	}
	var zero V
	e.value = zero
	e.hasValue = false
	e.proxy = true
	e.backup = false
	e.copy = false
	e.primary = mm.Primary
	e.backups = mm.Backups
}

// ReplyRequest answers the synchronous part of the protocol.
func (m *Map[K, V]) ReplyRequest(payload []byte, sender *cluster.Member) []byte {
	mm, err := DecodeMapMessage(payload)
	if err != nil {
		log.Warnf(m.ctx, "Map %s: dropping request from %v: %v", m.name, sender, err)
		return nil
	}

	var reply *MapMessage
	switch mm.Type {
	case MsgInit, MsgStart:
		m.mapMemberAdded(sender)
		reply = &MapMessage{MapID: m.mapID, Type: mm.Type, Primary: m.local()}
	case MsgState, MsgStateCopy:
		list, err := m.stateMessages(mm.Type == MsgStateCopy)
		if err != nil {
			log.Warnf(m.ctx, "Map %s: unable to build state: %v", m.name, err)
			return nil
		}
		reply = &MapMessage{MapID: m.mapID, Type: mm.Type, ValueData: list}
	case MsgRetrieveBackup:
		key, err := DecodeKey(mm, m.config.KeyCodec)
		if err != nil {
			return nil
		}
		m.mu.Lock()
		e, ok := m.entries[key]
		if !ok || !e.hasValue {
			m.mu.Unlock()
			return nil
		}
		value := e.value
		m.mu.Unlock()
		valueData, err := m.config.ValueCodec.Encode(value)
		if err != nil {
			return nil
		}
		reply = &MapMessage{MapID: m.mapID, Type: MsgRetrieveBackup, KeyData: mm.KeyData, ValueData: valueData}
	default:
		return nil
	}

	data, err := reply.Encode()
	if err != nil {
		log.Warnf(m.ctx, "Map %s: unable to encode reply: %v", m.name, err)
		return nil
	}
	return data
}

// LeftOver registers members whose INIT or START reply arrived late.
func (m *Map[K, V]) LeftOver(payload []byte, sender *cluster.Member) {
	mm, err := DecodeMapMessage(payload)
	if err != nil {
		return
	}
	if mm.Type == MsgInit || mm.Type == MsgStart {
		m.mapMemberAdded(sender)
	}
}

func (m *Map[K, V]) stateMessages(withValues bool) ([]byte, error) {
	m.mu.Lock()
	entries := make([]stateEntry[K, V], 0, len(m.entries))
	for k, e := range m.entries {
		entries = append(entries, stateEntry[K, V]{key: k, e: *e})
	}
	m.mu.Unlock()

	msgs := make([]*MapMessage, 0, len(entries))
	for _, s := range entries {
		keyData, err := m.config.KeyCodec.Encode(s.key)
		if err != nil {
			return nil, err
		}
		msg := &MapMessage{MapID: m.mapID, Type: MsgProxy, KeyData: keyData, Primary: s.e.primary, Backups: s.e.backups}
		if withValues && s.e.hasValue {
			valueData, err := m.config.ValueCodec.Encode(s.e.value)
			if err != nil {
				return nil, err
			}
			msg.Type = MsgCopy
			msg.ValueData = valueData
		}
		msgs = append(msgs, msg)
	}
	return encodeList(msgs)
}

// MemberAdded announces this map to a member that joined the group after
// Start, so maps started concurrently still find each other.
func (m *Map[K, V]) MemberAdded(member *cluster.Member) {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	data, err := (&MapMessage{MapID: m.mapID, Type: MsgStart, Primary: m.local()}).Encode()
	if err != nil {
		return
	}
	if _, err := m.group.Send(m.ctx, []*cluster.Member{member}, data, m.config.Options|channel.OptionAsynchronous); err != nil {
		log.Debugf(m.ctx, "Map %s: unable to announce to %v: %v", m.name, member, err)
	}
}

func (m *Map[K, V]) MemberDisappeared(member *cluster.Member) {
	m.memberDisappeared(member)
}
