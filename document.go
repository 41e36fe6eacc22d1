package docmesh

import (
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
)

// Version is a version vector: for each actor, the highest op sequence
// number included in a document state. Versions are opaque to the sync
// protocol and only compared through the document engine.
type Version map[Id]uint64

func (self Version) Clone() Version {
	if self == nil {
		return Version{}
	}
	return maps.Clone(self)
}

func (self Version) Includes(actor Id, seq uint64) bool {
	return seq <= self[actor]
}

type ChangeOrigin int

const (
	ChangeOriginLocal ChangeOrigin = iota
	ChangeOriginRemote
)

type ChangeFunction func(origin ChangeOrigin)

// Document is the engine contract the coordinator is built on. The engine
// guarantees convergence under import of concurrent histories; the
// coordinator never looks inside the exported bytes.
type Document interface {
	// applies remote ops. returns whether any new op was applied
	Import(docBytes []byte) (bool, error)
	// exports all ops not included in `since`. ok is false when there is
	// nothing newer
	Export(since Version) ([]byte, bool)
	// exports the ops included in v2 but not v1
	Diff(v1 Version, v2 Version) ([]byte, bool)
	CurrentVersion() Version
	// the callback fires after every applied change.
	// returns a function to remove the callback
	Subscribe(callback ChangeFunction) func()
}

// a mapOp sets one key. concurrent sets of the same key resolve
// last-writer-wins by (lamport, actor)
type mapOp struct {
	Key       string          `json:"key"`
	ValueJson json.RawMessage `json:"value"`
	Actor     Id              `json:"actor"`
	Seq       uint64          `json:"seq"`
	Lamport   uint64          `json:"lamport"`
}

func (self *mapOp) wins(other *mapOp) bool {
	if self.Lamport != other.Lamport {
		return other.Lamport < self.Lamport
	}
	return other.Actor.LessThan(self.Actor)
}

type mapDocExport struct {
	Ops []mapOp `json:"ops"`
}

// MapDoc is the reference document engine: an op-based last-writer-wins
// map. It is small but carries the full engine contract, including
// idempotent import and incremental export, which is what the coordinator
// protocol exercises.
type MapDoc struct {
	mutex sync.Mutex

	actor   Id
	ops     []mapOp
	version Version
	entries map[string]*mapOp
	lamport uint64

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewMapDoc(actor Id) *MapDoc {
	return &MapDoc{
		actor:           actor,
		ops:             []mapOp{},
		version:         Version{},
		entries:         map[string]*mapOp{},
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *MapDoc) Set(key string, value any) error {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return err
	}

	self.mutex.Lock()
	self.lamport += 1
	op := mapOp{
		Key:       key,
		ValueJson: valueJson,
		Actor:     self.actor,
		Seq:       self.version[self.actor] + 1,
		Lamport:   self.lamport,
	}
	self.applyOp(&op)
	self.mutex.Unlock()

	self.notify(ChangeOriginLocal)
	return nil
}

func (self *MapDoc) Get(key string) (json.RawMessage, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return nil, false
	}
	return entry.ValueJson, true
}

func (self *MapDoc) GetString(key string) (string, bool) {
	valueJson, ok := self.Get(key)
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(valueJson, &value); err != nil {
		return "", false
	}
	return value, true
}

func (self *MapDoc) Keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return maps.Keys(self.entries)
}

// assumes the mutex is held
func (self *MapDoc) applyOp(op *mapOp) {
	self.ops = append(self.ops, *op)
	if self.version[op.Actor] < op.Seq {
		self.version[op.Actor] = op.Seq
	}
	if self.lamport < op.Lamport {
		self.lamport = op.Lamport
	}
	if entry, ok := self.entries[op.Key]; !ok || op.wins(entry) {
		stored := *op
		self.entries[op.Key] = &stored
	}
}

func (self *MapDoc) notify(origin ChangeOrigin) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer recover()
			changeCallback(origin)
		}()
	}
}

func (self *MapDoc) Import(docBytes []byte) (bool, error) {
	export := &mapDocExport{}
	if err := json.Unmarshal(docBytes, export); err != nil {
		return false, fmt.Errorf("bad doc bytes: %w", err)
	}

	self.mutex.Lock()
	applied := false
	for i := range export.Ops {
		op := &export.Ops[i]
		if self.version.Includes(op.Actor, op.Seq) {
			// already have it
			continue
		}
		self.applyOp(op)
		applied = true
	}
	self.mutex.Unlock()

	if applied {
		self.notify(ChangeOriginRemote)
	}
	return applied, nil
}

func (self *MapDoc) Export(since Version) ([]byte, bool) {
	self.mutex.Lock()
	ops := []mapOp{}
	for _, op := range self.ops {
		if !since.Includes(op.Actor, op.Seq) {
			ops = append(ops, op)
		}
	}
	self.mutex.Unlock()

	if len(ops) == 0 {
		return nil, false
	}
	docBytes, err := json.Marshal(&mapDocExport{Ops: ops})
	if err != nil {
		return nil, false
	}
	return docBytes, true
}

func (self *MapDoc) Diff(v1 Version, v2 Version) ([]byte, bool) {
	self.mutex.Lock()
	ops := []mapOp{}
	for _, op := range self.ops {
		if !v1.Includes(op.Actor, op.Seq) && v2.Includes(op.Actor, op.Seq) {
			ops = append(ops, op)
		}
	}
	self.mutex.Unlock()

	if len(ops) == 0 {
		return nil, false
	}
	docBytes, err := json.Marshal(&mapDocExport{Ops: ops})
	if err != nil {
		return nil, false
	}
	return docBytes, true
}

func (self *MapDoc) CurrentVersion() Version {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.version.Clone()
}

func (self *MapDoc) Subscribe(callback ChangeFunction) func() {
	return self.changeCallbacks.Add(callback)
}
