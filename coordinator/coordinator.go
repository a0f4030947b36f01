package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/metrics"
	"zombiezen.com/go/log"
)

// Group is the part of the group channel the coordinator needs.
type Group interface {
	Send(ctx context.Context, members []*cluster.Member, payload []byte, options channel.Options) (*channel.Message, error)
	AddListener(l channel.Listener)
	RemoveListener(l channel.Listener)
	AddMembershipListener(l channel.MembershipListener)
	RemoveMembershipListener(l channel.MembershipListener)
	LocalMember() *cluster.Member
	Members() []*cluster.Member
}

type Config struct {
	// SettleInterval is how long a candidate waits for competing proposals
	// before installing itself, unless every view member confirmed earlier.
	SettleInterval time.Duration
	// InstallTimeout is how long a non-leader waits for an INSTALL before it
	// abandons the election and starts over.
	InstallTimeout time.Duration
	// MergeRetention is how long members learned only through election
	// messages stay in the candidate view.
	MergeRetention time.Duration
	EventLogSize   int
	Metrics        *metrics.Registry
}

func DefaultConfig() Config {
	return Config{
		SettleInterval: 3 * time.Second,
		InstallTimeout: 6 * time.Second,
		MergeRetention: 30 * time.Second,
		EventLogSize:   256,
	}
}

type inputKind int

const (
	inputStart inputKind = iota
	inputMemberAdded
	inputMemberRemoved
	inputMessage
	inputSettle
	inputWatchdog
)

type input struct {
	kind   inputKind
	member *cluster.Member
	msg    *Message
	token  cluster.UniqueID
}

type election struct {
	id        cluster.UniqueID
	view      []*cluster.Member
	confirmed map[string]bool
	timer     *time.Timer
}

type learnedMember struct {
	member *cluster.Member
	at     time.Time
}

// Coordinator elects a single leader among the members of a group channel.
// It never blocks on a quorum: every node ranks its candidate view with
// AbsoluteOrder, the first member proposes itself and installs the view
// after a settle interval. Divergent views are merged and re-elected.
//
// All election state is owned by one goroutine; the exported accessors read
// a published copy.
type Coordinator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  Config
	group   Group
	metrics *metrics.Registry
	inputs  chan input
	wg      sync.WaitGroup

	// owned by the event loop
	leader        *cluster.Member
	view          []*cluster.Member
	viewID        cluster.UniqueID
	election      *election
	awaiting      cluster.UniqueID
	watchdogTimer *time.Timer
	learned       map[string]learnedMember

	mu        sync.RWMutex
	pubLeader *cluster.Member
	pubView   []*cluster.Member
	events    *eventLog
	listener  EventListener
	started   bool
}

func NewCoordinator(ctx context.Context, group Group, config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.SettleInterval <= 0 {
		config.SettleInterval = defaults.SettleInterval
	}
	if config.InstallTimeout <= 0 {
		config.InstallTimeout = 2 * config.SettleInterval
	}
	if config.MergeRetention <= 0 {
		config.MergeRetention = defaults.MergeRetention
	}
	if config.EventLogSize <= 0 {
		config.EventLogSize = defaults.EventLogSize
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewNoopRegistry()
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		ctx:     ctx,
		cancel:  cancel,
		config:  config,
		group:   group,
		metrics: config.Metrics,
		inputs:  make(chan input, 256),
		learned: make(map[string]learnedMember),
		events:  newEventLog(config.EventLogSize),
	}
}

func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	c.group.AddListener(c)
	c.group.AddMembershipListener(c)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	c.post(input{kind: inputStart})
	return nil
}

func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	c.group.RemoveListener(c)
	c.group.RemoveMembershipListener(c)
	c.cancel()
	c.wg.Wait()
	if c.election != nil {
		c.election.timer.Stop()
	}
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
	}
	c.record(Event{Type: EventStop})
}

// Leader returns the installed leader, or nil while none is installed.
func (c *Coordinator) Leader() *cluster.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubLeader
}

func (c *Coordinator) IsLeader() bool {
	leader := c.Leader()
	return leader != nil && leader.Equal(c.group.LocalMember())
}

// View returns the installed view in AbsoluteOrder.
func (c *Coordinator) View() []*cluster.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*cluster.Member(nil), c.pubView...)
}

// SuggestedLeader is the member ranking first among the local member and its
// live peers, computed without any message exchange.
func (c *Coordinator) SuggestedLeader() *cluster.Member {
	return cluster.Leader(cluster.Union([]*cluster.Member{c.group.LocalMember()}, c.group.Members()))
}

func (c *Coordinator) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.events.snapshot()
}

func (c *Coordinator) SetEventListener(l EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

func (c *Coordinator) Accept(msg *channel.Message) bool {
	return isCoordinationMessage(msg.Payload)
}

func (c *Coordinator) MessageReceived(msg *channel.Message) {
	m, err := DecodeMessage(msg.Payload)
	if err != nil {
		log.Warnf(c.ctx, "Dropping coordination message from %v: %v", msg.Address, err)
		return
	}
	c.post(input{kind: inputMessage, msg: m})
}

func (c *Coordinator) MemberAdded(m *cluster.Member) {
	c.post(input{kind: inputMemberAdded, member: m})
}

func (c *Coordinator) MemberDisappeared(m *cluster.Member) {
	c.post(input{kind: inputMemberRemoved, member: m})
}

func (c *Coordinator) post(in input) {
	select {
	case c.inputs <- in:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.inputs:
			c.process(in)
		}
	}
}

func (c *Coordinator) process(in input) {
	switch in.kind {
	case inputStart:
		c.record(Event{Type: EventStart})
		c.evaluate()
	case inputMemberAdded:
		c.record(Event{Type: EventMemberAdded, Member: in.member})
		c.evaluate()
	case inputMemberRemoved:
		delete(c.learned, in.member.Key())
		c.record(Event{Type: EventMemberRemoved, Member: in.member})
		if c.leader != nil && c.leader.Equal(in.member) {
			log.Infof(c.ctx, "Leader %v departed", in.member)
			c.leader = nil
			c.publish()
		}
		c.evaluate()
	case inputMessage:
		c.record(Event{Type: EventMessageArrived, Member: in.msg.Source, ID: in.msg.ID, Info: in.msg.Type.String()})
		c.handleMessage(in.msg)
	case inputSettle:
		if c.election != nil && c.election.id == in.token {
			c.commit()
		}
	case inputWatchdog:
		c.watchdog(in.token)
	}
}

func (c *Coordinator) local() *cluster.Member {
	return c.group.LocalMember()
}

// candidateView is the local member, the live peers and any members recently
// learned from other nodes' election messages.
func (c *Coordinator) candidateView() []*cluster.Member {
	now := time.Now()
	extra := make([]*cluster.Member, 0, len(c.learned))
	for key, l := range c.learned {
		if now.Sub(l.at) > c.config.MergeRetention {
			delete(c.learned, key)
			continue
		}
		extra = append(extra, l.member)
	}
	return cluster.Union([]*cluster.Member{c.local()}, c.group.Members(), extra)
}

func (c *Coordinator) learn(view []*cluster.Member) {
	live := c.group.Members()
	for _, m := range view {
		if m.Equal(c.local()) || cluster.Contains(live, m) {
			continue
		}
		c.learned[m.Key()] = learnedMember{member: m, at: time.Now()}
	}
}

func (c *Coordinator) isInstalled(view []*cluster.Member, leader *cluster.Member) bool {
	return c.leader != nil && c.leader.Equal(leader) && cluster.SameMembers(c.view, view)
}

// evaluate decides whether the current candidate view needs an election.
func (c *Coordinator) evaluate() {
	view := c.candidateView()
	leader := cluster.Leader(view)

	if c.election != nil {
		if cluster.SameMembers(c.election.view, view) {
			return
		}
		c.abandon("view changed")
	} else if c.isInstalled(view, leader) {
		return
	}

	if leader.Equal(c.local()) {
		c.startElection(view)
		return
	}
	c.waitFor(leader, view)
}

func (c *Coordinator) startElection(view []*cluster.Member) {
	id := cluster.NewUniqueID()
	c.stopWatchdog()
	c.metrics.CountElection("started")
	c.record(Event{Type: EventStartElection, Leader: c.local(), View: view, ID: id})
	log.Infof(c.ctx, "Starting election %s over %d member(s)", id, len(view))

	if len(view) == 1 {
		c.install(c.local(), view, id)
		return
	}

	c.election = &election{
		id:        id,
		view:      view,
		confirmed: make(map[string]bool),
	}
	c.record(Event{Type: EventProcessElection, Leader: c.local(), View: view, ID: id})
	c.send(cluster.Exclude(view, c.local()), &Message{
		Type:   MessageRequest,
		Leader: c.local(),
		Source: c.local(),
		View:   view,
		ID:     id,
	})
	c.election.timer = time.AfterFunc(c.config.SettleInterval, func() {
		c.post(input{kind: inputSettle, token: id})
	})
}

func (c *Coordinator) commit() {
	e := c.election
	e.timer.Stop()
	c.election = nil
	c.send(cluster.Exclude(e.view, c.local()), &Message{
		Type:   MessageInstall,
		Leader: c.local(),
		Source: c.local(),
		View:   e.view,
		ID:     e.id,
	})
	c.install(c.local(), e.view, e.id)
}

func (c *Coordinator) abandon(reason string) {
	if c.election == nil {
		return
	}
	c.election.timer.Stop()
	c.metrics.CountElection("abandoned")
	c.record(Event{Type: EventElectionAbandoned, ID: c.election.id, View: c.election.view, Info: reason})
	log.Infof(c.ctx, "Abandoning election %s: %s", c.election.id, reason)
	c.election = nil
}

func (c *Coordinator) install(leader *cluster.Member, view []*cluster.Member, id cluster.UniqueID) {
	c.stopWatchdog()
	c.leader = leader
	c.view = cluster.SortAbsolute(view)
	c.viewID = id
	c.publish()
	c.metrics.CountElection("installed")
	c.record(Event{Type: EventViewInstalled, Leader: leader, View: c.view, ID: id})
	log.Infof(c.ctx, "Installed view %s: leader %v, %d member(s)", id, leader, len(view))
}

// waitFor tells the presumptive leader what this node knows and waits for
// its INSTALL.
func (c *Coordinator) waitFor(leader *cluster.Member, view []*cluster.Member) {
	c.record(Event{Type: EventWaitForMessage, Leader: leader, View: view})
	c.send([]*cluster.Member{leader}, &Message{
		Type:   MessageMerge,
		Leader: leader,
		Source: c.local(),
		View:   view,
		ID:     cluster.NewUniqueID(),
	})
	c.armWatchdog()
}

func (c *Coordinator) armWatchdog() {
	c.stopWatchdog()
	token := cluster.NewUniqueID()
	c.awaiting = token
	c.watchdogTimer = time.AfterFunc(c.config.InstallTimeout, func() {
		c.post(input{kind: inputWatchdog, token: token})
	})
}

func (c *Coordinator) stopWatchdog() {
	if c.watchdogTimer != nil {
		c.watchdogTimer.Stop()
		c.watchdogTimer = nil
	}
	c.awaiting = cluster.UniqueID{}
}

func (c *Coordinator) watchdog(token cluster.UniqueID) {
	if c.awaiting.IsZero() || c.awaiting != token {
		return
	}
	c.awaiting = cluster.UniqueID{}
	c.watchdogTimer = nil

	view := c.candidateView()
	if c.isInstalled(view, cluster.Leader(view)) {
		return
	}
	c.metrics.CountElection("abandoned")
	c.record(Event{Type: EventElectionAbandoned, View: view, Info: "no install received"})
	log.Infof(c.ctx, "No view installed within %v, restarting election", c.config.InstallTimeout)
	c.evaluate()
}

func (c *Coordinator) handleMessage(m *Message) {
	switch m.Type {
	case MessageRequest:
		c.handleRequest(m)
	case MessageMerge:
		c.handleMerge(m)
	case MessageConfirm:
		c.handleConfirm(m)
	case MessageInstall:
		c.handleInstall(m)
	}
}

func (c *Coordinator) handleRequest(m *Message) {
	merged := cluster.Union(m.View, c.candidateView())
	c.learn(m.View)
	leader := cluster.Leader(merged)

	if cluster.SameMembers(merged, m.View) && leader.Equal(m.Leader) {
		c.abandon("superseded by " + m.Leader.Address())
		c.send([]*cluster.Member{m.Source}, &Message{
			Type:   MessageConfirm,
			Leader: m.Leader,
			Source: c.local(),
			View:   m.View,
			ID:     m.ID,
		})
		c.record(Event{Type: EventWaitForMessage, Leader: m.Leader, View: m.View, ID: m.ID})
		c.armWatchdog()
		return
	}

	c.merge(merged, m.Source, m.ID)
}

func (c *Coordinator) handleMerge(m *Message) {
	merged := cluster.Union(m.View, c.candidateView())
	c.learn(m.View)
	c.merge(merged, m.Source, m.ID)
}

// merge runs the election for a merged view when this node ranks first in
// it, and otherwise forwards the merged view to the member that does.
func (c *Coordinator) merge(merged []*cluster.Member, source *cluster.Member, id cluster.UniqueID) {
	leader := cluster.Leader(merged)
	c.record(Event{Type: EventPreMerge, Leader: leader, View: merged, ID: id})

	if leader.Equal(c.local()) {
		c.record(Event{Type: EventPostMerge, Leader: leader, View: merged, ID: id})
		if c.election != nil {
			if cluster.SameMembers(c.election.view, merged) {
				return
			}
			c.abandon("merged view")
		} else if c.isInstalled(merged, leader) {
			c.send([]*cluster.Member{source}, &Message{
				Type:   MessageInstall,
				Leader: c.local(),
				Source: c.local(),
				View:   c.view,
				ID:     c.viewID,
			})
			return
		}
		c.startElection(merged)
		return
	}

	c.abandon("outranked by " + leader.Address())
	if !leader.Equal(source) || !c.isInstalled(merged, leader) {
		c.send([]*cluster.Member{leader}, &Message{
			Type:   MessageMerge,
			Leader: leader,
			Source: c.local(),
			View:   merged,
			ID:     id,
		})
	}
	c.armWatchdog()
}

func (c *Coordinator) handleConfirm(m *Message) {
	if c.election == nil || c.election.id != m.ID {
		return
	}
	c.record(Event{Type: EventConfirmationReceived, Member: m.Source, ID: m.ID})
	c.election.confirmed[m.Source.Key()] = true
	if len(c.election.confirmed) >= len(c.election.view)-1 {
		c.commit()
	}
}

func (c *Coordinator) handleInstall(m *Message) {
	if !m.Leader.Equal(cluster.Leader(m.View)) {
		log.Warnf(c.ctx, "Ignoring install %s: %v does not rank first in its view", m.ID, m.Leader)
		return
	}
	if !cluster.Contains(m.View, c.local()) {
		c.learn(m.View)
		c.merge(cluster.Union(m.View, c.candidateView()), m.Source, m.ID)
		return
	}
	if c.election != nil {
		if cluster.AbsoluteOrder(c.local(), m.Leader) < 0 {
			return
		}
		c.abandon("install from " + m.Leader.Address())
	}
	c.learn(m.View)
	c.install(m.Leader, m.View, m.ID)
}

func (c *Coordinator) send(to []*cluster.Member, m *Message) {
	if len(to) == 0 {
		return
	}
	data, err := m.Encode()
	if err != nil {
		log.Errorf(c.ctx, "Unable to encode %v: %v", m.Type, err)
		return
	}
	c.record(Event{Type: EventSendMessage, Leader: m.Leader, View: m.View, ID: m.ID, Info: m.Type.String()})
	if _, err := c.group.Send(c.ctx, to, data, channel.OptionAsynchronous); err != nil {
		log.Debugf(c.ctx, "Unable to send %v: %v", m.Type, err)
	}
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubLeader = c.leader
	c.pubView = c.view
}

func (c *Coordinator) record(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.mu.Lock()
	c.events.add(e)
	listener := c.listener
	c.mu.Unlock()

	log.Debugf(c.ctx, "Coordinator event %v %s", e.Type, e.Info)
	if listener != nil {
		listener(e)
	}
}
