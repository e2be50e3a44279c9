package runtime

import (
	"sync"

	"go.uber.org/zap"
)

type compartmentState byte

const (
	compartmentActive compartmentState = iota
	compartmentCollecting
)

// Compartment is the unit of object identity and sharing. Objects from one
// compartment may never be linked into another. Instantiation, linking and
// collection within a compartment are serialized by its mutex.
type Compartment struct {
	// opMu serializes whole operations: instantiation, linking and
	// collection never interleave. mu protects the object and root sets and
	// is held only for short critical sections; object creation inside an
	// operation (a resolver's stubs, the instantiator's allocations) takes
	// only mu.
	opMu  sync.Mutex
	mu    sync.Mutex
	state compartmentState

	engine Engine
	log    *zap.Logger

	objects   map[Object]struct{}
	roots     map[Object]int
	instances []*ModuleInstance
}

// NewCompartment creates an empty compartment whose instances execute on
// engine. log may be nil.
func NewCompartment(engine Engine, log *zap.Logger) *Compartment {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compartment{
		engine:  engine,
		log:     log,
		objects: map[Object]struct{}{},
		roots:   map[Object]int{},
	}
}

// register adds obj to the compartment's live set and roots it. Freshly
// created objects stay rooted until the host releases its handle.
func (c *Compartment) register(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(obj)
}

func (c *Compartment) registerLocked(obj Object) {
	if c.state == compartmentCollecting {
		// The collector holds the mutex for its whole cycle, so this is an
		// internal invariant violation, not a caller race.
		fatal(c.log, "object created during garbage collection")
	}
	c.objects[obj] = struct{}{}
	c.roots[obj]++
}

// removeLocked unregisters obj, for instantiation rollback.
func (c *Compartment) removeLocked(obj Object) {
	delete(c.objects, obj)
	delete(c.roots, obj)
}

// Contains reports whether obj is a live object of this compartment.
func (c *Compartment) Contains(obj Object) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[obj]
	return ok
}

// LiveObjectCount returns the number of registered objects; rollback
// completeness is observable through it.
func (c *Compartment) LiveObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// AddRoot pins obj against collection. Roots are counted; each AddRoot needs
// a matching Release.
func (c *Compartment) AddRoot(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots[obj]++
}

// Release drops one root reference to obj. The object stays valid until the
// next collection proves it unreachable.
func (c *Compartment) Release(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.roots[obj]
	if n <= 1 {
		delete(c.roots, obj)
	} else {
		c.roots[obj] = n - 1
	}
}

// CollectGarbage walks from every root, marks the reachable set and sweeps
// the rest. It must not be called while guest code is running in this
// compartment; the compartment mutex makes the cycle stop-the-world with
// respect to instantiation and linking.
func (c *Compartment) CollectGarbage() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = compartmentCollecting
	defer func() { c.state = compartmentActive }()

	marked := map[Object]struct{}{}
	var mark func(Object)
	mark = func(obj Object) {
		if obj == nil {
			return
		}
		if obj.Compartment() == nil {
			// Process-wide intrinsics are outside the collected set.
			return
		}
		if _, ok := marked[obj]; ok {
			return
		}
		marked[obj] = struct{}{}
		obj.trace(mark)
	}

	for obj := range c.roots {
		mark(obj)
	}
	for _, inst := range c.instances {
		if inst.rooted {
			mark(inst)
		}
	}

	swept := 0
	for obj := range c.objects {
		if _, ok := marked[obj]; !ok {
			delete(c.objects, obj)
			swept++
		}
	}
	live := c.instances[:0]
	for _, inst := range c.instances {
		if _, ok := marked[inst]; ok {
			live = append(live, inst)
		}
	}
	c.instances = live

	c.log.Debug("garbage collection finished",
		zap.Int("swept", swept), zap.Int("live", len(c.objects)))
}

// fatal reports an unrecoverable invariant violation: it logs a stack trace
// and terminates the process.
func fatal(log *zap.Logger, msg string) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Fatal(msg, zap.Stack("stack"))
}
