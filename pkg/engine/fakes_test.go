package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory EventStore. Transactions work on copies and
// serialize on txMu, which stands in for the row lock.
type memStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	events      map[int64]*ServiceEvent
	instances   map[string]*Instance
	transitions []Transition
	nextID      int64
	listErr     error
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[int64]*ServiceEvent),
		instances: make(map[string]*Instance),
	}
}

func (s *memStore) add(ev *ServiceEvent) *ServiceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	if ev.State == "" {
		ev.State = StateInitialized
	}
	for i := range ev.Hosts {
		if ev.Hosts[i].ID == 0 {
			ev.Hosts[i].ID = int64(100*ev.ID) + int64(i)
		}
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return ev
}

func (s *memStore) get(id int64) ServiceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *memStore) instance(uuid string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[uuid]
	if !ok {
		return nil
	}
	cp := *inst
	return &cp
}

func (s *memStore) history(id int64) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, t := range s.transitions {
		if t.EventID == id {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) ListIncomplete(context.Context) ([]*ServiceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*ServiceEvent
	for _, ev := range s.events {
		if ev.Completed || ev.Stuck {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) BeginTx(context.Context) (EventTx, error) {
	s.txMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:     s,
		events:    make(map[int64]*ServiceEvent, len(s.events)),
		instances: make(map[string]*Instance, len(s.instances)),
	}
	for id, ev := range s.events {
		cp := *ev
		tx.events[id] = &cp
	}
	for uuid, inst := range s.instances {
		cp := *inst
		tx.instances[uuid] = &cp
	}
	return tx, nil
}

type memTx struct {
	store       *memStore
	events      map[int64]*ServiceEvent
	instances   map[string]*Instance
	transitions []Transition
	done        bool
}

func (tx *memTx) LockForUpdate(_ context.Context, id int64) (*ServiceEvent, error) {
	ev, ok := tx.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (tx *memTx) Save(_ context.Context, event *ServiceEvent) error {
	stored, ok := tx.events[event.ID]
	if !ok {
		return ErrEventNotFound
	}
	if stored.Completed {
		return ErrEventCompleted
	}
	cp := *event
	tx.events[event.ID] = &cp
	return nil
}

func (tx *memTx) MarkStuck(_ context.Context, id int64, reason string) error {
	ev, ok := tx.events[id]
	if !ok {
		return ErrEventNotFound
	}
	ev.Stuck = true
	ev.LastError = reason
	return nil
}

func (tx *memTx) AppendTransition(_ context.Context, t *Transition) error {
	tx.transitions = append(tx.transitions, *t)
	return nil
}

func (tx *memTx) GetInstance(_ context.Context, uuid string) (*Instance, error) {
	inst, ok := tx.instances[uuid]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (tx *memTx) MarkNotified(_ context.Context, inst *Instance, at time.Time) error {
	cp := *inst
	cp.Notified = true
	cp.NotifiedAt = &at
	tx.instances[inst.UUID] = &cp
	return nil
}

func (tx *memTx) ResetNotified(_ context.Context, hostIDs []int64) error {
	ids := make(map[int64]bool, len(hostIDs))
	for _, id := range hostIDs {
		ids[id] = true
	}
	for _, inst := range tx.instances {
		if ids[inst.HostID] {
			inst.Notified = false
			inst.NotifiedAt = nil
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("transaction already closed")
	}
	tx.done = true
	s := tx.store
	s.mu.Lock()
	s.events = tx.events
	s.instances = tx.instances
	s.transitions = append(s.transitions, tx.transitions...)
	s.mu.Unlock()
	s.txMu.Unlock()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.txMu.Unlock()
	return nil
}

// fakeFleet records fleet calls. Deleted instances disappear from listings.
type fakeFleet struct {
	mu        sync.Mutex
	hosts     map[string][]Instance
	groups    map[string][]Instance
	disabled  []string
	deleted   []string
	listErr   error
	disErr    error
	deleteErr error
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{hosts: make(map[string][]Instance), groups: make(map[string][]Instance)}
}

func (f *fakeFleet) put(host string, instances ...Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range instances {
		instances[i].Host = host
		if instances[i].Status == "" {
			instances[i].Status = InstanceStatusActive
		}
	}
	f.hosts[host] = append(f.hosts[host], instances...)
}

func (f *fakeFleet) DisableHost(_ context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disErr != nil {
		return f.disErr
	}
	f.disabled = append(f.disabled, host)
	return nil
}

func (f *fakeFleet) ListInstancesOnHost(_ context.Context, host string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Instance, len(f.hosts[host]))
	copy(out, f.hosts[host])
	return out, nil
}

func (f *fakeFleet) DeleteInstance(_ context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, uuid)
	for host, list := range f.hosts {
		kept := list[:0]
		for _, inst := range list {
			if inst.UUID != uuid {
				kept = append(kept, inst)
			}
		}
		f.hosts[host] = kept
	}
	return nil
}

func (f *fakeFleet) ListInstancesInGroup(_ context.Context, group string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Instance(nil), f.groups[group]...), nil
}

func (f *fakeFleet) calls() (disabled, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disabled...), append([]string(nil), f.deleted...)
}

type sentNotice struct {
	kind       NotificationKind
	recipients Recipients
	fields     map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, kind NotificationKind, _ string, r Recipients, fields map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentNotice{kind: kind, recipients: r, fields: fields})
	return nil
}

func (n *fakeNotifier) count(kind NotificationKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

type fakeGuard struct {
	deny map[string]bool
}

func (g *fakeGuard) AllowDelete(_ context.Context, req *DeletionRequest) (*GuardDecision, error) {
	if g.deny[req.Instance.UUID] {
		return &GuardDecision{Allowed: false, Reasons: []string{"denied"}}, nil
	}
	return &GuardDecision{Allowed: true}, nil
}

// fakeTemporary is a collaborator error that knows whether it can be retried.
type fakeTemporary struct {
	temp bool
}

func (e fakeTemporary) Error() string   { return "collaborator failed" }
func (e fakeTemporary) Temporary() bool { return e.temp }

// clock is a settable Clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
