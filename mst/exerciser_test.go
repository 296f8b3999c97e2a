package mst

import (
	"fmt"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/commands"
	"github.com/leanovate/gopter/gen"
	"github.com/stretchr/testify/assert"
)

type expected struct {
	entries  map[uint]uint
	snapshot []map[uint]uint
}

type system struct {
	m        *Tree
	snapshot []*Tree
	store    *MemoryBlockstore
	cmdCount int
}

const (
	uimax      = 9_999
	nSnapshots = 3
)

var (
	cmdCount  = 0
	maxHeight uint8
)

func copyEntries(entries map[uint]uint) map[uint]uint {
	c := make(map[uint]uint, len(entries))
	for k, v := range entries {
		c[k] = v
	}
	return c
}

func expectedChanges(old, new map[uint]uint) []Change {
	var changes []Change
	for k, v := range new {
		if ov, ok := old[k]; !ok {
			changes = append(changes, Change{Key: keyFor(k), To: valueFor(v)})
		} else if ov != v {
			changes = append(changes, Change{Key: keyFor(k), From: valueFor(ov), To: valueFor(v)})
		}
	}
	for k, v := range old {
		if _, ok := new[k]; !ok {
			changes = append(changes, Change{Key: keyFor(k), From: valueFor(v)})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func propResult(ok bool, format string, args ...interface{}) *gopter.PropResult {
	if ok {
		return &gopter.PropResult{Status: gopter.PropTrue}
	}
	fmt.Printf(format+"\n", args...)
	return &gopter.PropResult{Status: gopter.PropFalse}
}

var flushCommand = &commands.ProtoCommand{
	Name: "Flush",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		sys := s.(*system)
		root, err := sys.m.Flush(ctx)
		if err != nil {
			return err
		}
		sys.cmdCount++
		// reloading from the store must give the same tree
		loaded, err := Load(ctx, root, Config{Store: sys.store, Fanout: sys.m.fanout})
		if err != nil {
			return err
		}
		if loaded.Height() != sys.m.Height() {
			return fmt.Errorf("reloaded height %d, want %d", loaded.Height(), sys.m.Height())
		}
		sys.m = loaded
		return nil
	},
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		return propResult(result == nil, "flush: %v", result)
	},
}

var sizeCommand = &commands.ProtoCommand{
	Name: "Size",
	RunFunc: func(s commands.SystemUnderTest) commands.Result {
		s.(*system).cmdCount++
		size, err := s.(*system).m.Size(ctx)
		if err != nil {
			return err
		}
		return size
	},
	PostConditionFunc: func(state commands.State, result commands.Result) *gopter.PropResult {
		want := uint64(len(state.(*expected).entries))
		return propResult(result == want, "size: expected=%d, actual=%v", want, result)
	},
}

type insertCommand struct{ key, value uint }

func (c insertCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	return s.(*system).m.Insert(ctx, keyFor(c.key), valueFor(c.value))
}

func (c insertCommand) NextState(state commands.State) commands.State {
	state.(*expected).entries[c.key] = c.value
	return state
}

func (c insertCommand) PreCondition(state commands.State) bool { return true }

func (c insertCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return propResult(result == nil, "insert: %v", result)
}

func (c insertCommand) String() string { return fmt.Sprintf("Insert(%d,%d)", c.key, c.value) }

type deleteNthCommand uint

func (n deleteNthCommand) Run(s commands.SystemUnderTest) commands.Result {
	var keys []string
	err := s.(*system).m.Iter(ctx, func(k string, _ cid.Cid) error {
		keys = append(keys, k)
		return nil
	})
	if err != nil {
		return fmt.Errorf("iter: %w", err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("tree is empty")
	}
	s.(*system).cmdCount++
	return s.(*system).m.Delete(ctx, keys[int(n)%len(keys)])
}

func (n deleteNthCommand) NextState(state commands.State) commands.State {
	s := state.(*expected)
	var keys []int
	for k := range s.entries {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	delete(s.entries, uint(keys[int(n)%len(keys)]))
	return state
}

func (n deleteNthCommand) PreCondition(state commands.State) bool {
	return len(state.(*expected).entries) > 0
}

func (n deleteNthCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return propResult(result == nil, "deleteNth: %v", result)
}

func (n deleteNthCommand) String() string { return fmt.Sprintf("DeleteNth(%d)", n) }

type deleteMissingCommand uint

func (key deleteMissingCommand) Run(s commands.SystemUnderTest) commands.Result {
	return s.(*system).m.Delete(ctx, keyFor(uint(key)))
}

func (key deleteMissingCommand) NextState(state commands.State) commands.State { return state }

func (key deleteMissingCommand) PreCondition(state commands.State) bool {
	_, present := state.(*expected).entries[uint(key)]
	return !present
}

func (key deleteMissingCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	err, _ := result.(error)
	_, ok := err.(*NotFoundError)
	return propResult(ok, "deleteMissing: %v", result)
}

func (key deleteMissingCommand) String() string { return fmt.Sprintf("DeleteMissing(%d)", key) }

type getCommand uint

func (key getCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).cmdCount++
	v, found, err := s.(*system).m.Get(ctx, keyFor(uint(key)))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return v
}

func (key getCommand) NextState(state commands.State) commands.State { return state }

func (key getCommand) PreCondition(state commands.State) bool { return true }

func (key getCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	value, ok := state.(*expected).entries[uint(key)]
	if !ok {
		return propResult(result == nil, "get(%d): expected absent, got %v", key, result)
	}
	return propResult(result == valueFor(value), "get(%d): expected %v, got %v", key, valueFor(value), result)
}

func (key getCommand) String() string { return fmt.Sprintf("Get(%d)", key) }

type snapshotCommand uint

func (n snapshotCommand) Run(s commands.SystemUnderTest) commands.Result {
	s.(*system).snapshot[int(n)%nSnapshots] = s.(*system).m.Clone()
	return nil
}

func (n snapshotCommand) NextState(state commands.State) commands.State {
	s := state.(*expected)
	s.snapshot[int(n)%nSnapshots] = copyEntries(s.entries)
	return s
}

func (n snapshotCommand) PreCondition(state commands.State) bool { return true }

func (n snapshotCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	return propResult(result == nil, "snapshot: %v", result)
}

func (n snapshotCommand) String() string { return fmt.Sprintf("Snapshot(%d)", int(n)%nSnapshots) }

type diffCommand uint

func (n diffCommand) Run(s commands.SystemUnderTest) commands.Result {
	sys := s.(*system)
	old := sys.snapshot[int(n)%nSnapshots]
	changes, err := Diff(ctx, old, sys.m)
	if err != nil {
		return err
	}
	sys.cmdCount++
	return changes
}

func (n diffCommand) NextState(state commands.State) commands.State { return state }

func (n diffCommand) PreCondition(state commands.State) bool {
	return state.(*expected).snapshot[int(n)%nSnapshots] != nil
}

func (n diffCommand) PostCondition(state commands.State, result commands.Result) *gopter.PropResult {
	s := state.(*expected)
	want := expectedChanges(s.snapshot[int(n)%nSnapshots], s.entries)
	got, ok := result.([]Change)
	if !ok {
		return propResult(false, "diff: %v", result)
	}
	if len(want) == 0 && len(got) == 0 {
		return propResult(true, "")
	}
	return propResult(assert.ObjectsAreEqual(want, got), "diff: expected %v, got %v", want, got)
}

func (n diffCommand) String() string { return fmt.Sprintf("Diff(%d)", int(n)%nSnapshots) }

func uintCommandGen(toCommand func(uint) commands.Command) gopter.Gen {
	return gen.UIntRange(0, uimax).Map(func(value uint) commands.Command {
		return toCommand(value)
	})
}

var (
	genInsert = gen.UIntRange(0, uimax).Map(func(key uint) commands.Command {
		return insertCommand{key: key, value: key % 7}
	})
	genDeleteNth     = uintCommandGen(func(v uint) commands.Command { return deleteNthCommand(v) })
	genDeleteMissing = uintCommandGen(func(v uint) commands.Command { return deleteMissingCommand(v) })
	genGet           = uintCommandGen(func(v uint) commands.Command { return getCommand(v) })
	genSnapshot      = uintCommandGen(func(v uint) commands.Command { return snapshotCommand(v) })
	genDiff          = uintCommandGen(func(v uint) commands.Command { return diffCommand(v) })
)

var treeCommands = &commands.ProtoCommands{
	NewSystemUnderTestFunc: func(initialState commands.State) commands.SystemUnderTest {
		store := NewMemoryBlockstore()
		m, err := New(Config{Store: store, Fanout: 4, NodeCache: NewNodeCache(500)})
		if err != nil {
			panic(err)
		}
		for key, value := range initialState.(*expected).entries {
			if err := m.Insert(ctx, keyFor(key), valueFor(value)); err != nil {
				panic(err)
			}
		}
		return &system{m: m, snapshot: make([]*Tree, nSnapshots), store: store}
	},
	DestroySystemUnderTestFunc: func(s commands.SystemUnderTest) {
		if h := s.(*system).m.Height(); h > maxHeight {
			maxHeight = h
		}
		cmdCount += s.(*system).cmdCount
	},
	InitialStateGen: gen.MapOf(gen.UIntRange(0, uimax), gen.UIntRange(0, 6)).Map(func(entries map[uint]uint) *expected {
		return &expected{
			entries:  entries,
			snapshot: make([]map[uint]uint, nSnapshots),
		}
	}),
	GenCommandFunc: func(state commands.State) gopter.Gen {
		return gen.Weighted(
			[]gen.WeightedGen{
				{Weight: 100, Gen: genInsert},
				{Weight: 60, Gen: genDeleteNth},
				{Weight: 10, Gen: genDeleteMissing},
				{Weight: 50, Gen: genGet},
				{Weight: 5, Gen: genSnapshot},
				{Weight: 5, Gen: genDiff},
				{Weight: 3, Gen: gen.Const(flushCommand)},
				{Weight: 10, Gen: gen.Const(sizeCommand)},
			},
		)
	},
}

func TestExerciser(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	if !testing.Short() {
		parameters.MaxSize = 512
	}
	properties := gopter.NewProperties(parameters)
	properties.Property("tree exerciser", commands.Prop(treeCommands))
	properties.TestingRun(t)
	if !t.Failed() {
		t.Logf("biggest tree height: %d, successful commands: %d", maxHeight, cmdCount)
	}
}
