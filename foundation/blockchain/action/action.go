// Package action defines the capability interface the blockchain engine
// requires from user-supplied transactional logic. The core only ever
// calls through this interface; action semantics are opaque to it.
package action

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

// Random is a deterministic pseudo-random stream available to an action
// during execution, seeded from the block's pre-evaluation hash XORed with
// the action's index within the block so two nodes executing the same
// block produce identical randomness.
type Random interface {
	// Int63 returns the next pseudo-random value in the stream.
	Int63() int64

	// Intn returns a pseudo-random value in [0,n).
	Intn(n int) int
}

// randomStream adapts math/rand to the Random interface, grounded on a
// single deterministic seed derived by the engine.
type randomStream struct {
	r *rand.Rand
}

// NewRandom builds a Random stream from the given seed.
func NewRandom(seed int64) Random {
	return &randomStream{r: rand.New(rand.NewSource(seed))}
}

func (s *randomStream) Int63() int64   { return s.r.Int63() }
func (s *randomStream) Intn(n int) int { return s.r.Intn(n) }

// Seed derives the deterministic per-action seed from a block's
// pre-evaluation hash and the action's position within the block.
func Seed(preEvaluationHash signature.HashDigest, actionIndex int) int64 {
	var seed int64
	for i := 0; i < 8; i++ {
		seed |= int64(preEvaluationHash[i]) << (8 * i)
	}
	return seed ^ int64(actionIndex)
}

// =============================================================================

// Context is the read-only environment an Action observes while executing,
// rendering, or unrendering.
type Context struct {
	Signer     signature.Address
	Miner      signature.Address
	BlockIndex uint64
	Rehearsal  bool
	Random     Random

	// Previous is the accumulated state of the block so far: the output
	// delta of action N becomes the Previous of action N+1.
	Previous StateDelta
}

// StateDelta is the read side of AccountStateDelta: everything an Action
// may consult about account state produced earlier in the same block or
// persisted from an earlier block.
type StateDelta interface {
	GetState(addr signature.Address) ([]byte, bool)
	GetBalance(addr signature.Address, currency string) uint64
}

// AccountStateDelta is the mutable, copy-on-write accumulator an Action
// produces. It is threaded through every action in a block: each action
// receives the prior action's AccountStateDelta as Context.Previous and
// returns a new one reflecting its own mutations layered on top.
type AccountStateDelta struct {
	base    StateDelta
	state   map[signature.Address][]byte
	balance map[signature.Address]map[string]uint64
	touched map[signature.Address]bool
}

// NewAccountStateDelta constructs an empty delta layered on top of base
// (which may be nil for the first action of a chain).
func NewAccountStateDelta(base StateDelta) *AccountStateDelta {
	return &AccountStateDelta{
		base:    base,
		state:   make(map[signature.Address][]byte),
		balance: make(map[signature.Address]map[string]uint64),
		touched: make(map[signature.Address]bool),
	}
}

// GetState returns the most recently set opaque state for addr, falling
// back to the base delta if this layer never touched it.
func (d *AccountStateDelta) GetState(addr signature.Address) ([]byte, bool) {
	if v, ok := d.state[addr]; ok {
		return v, true
	}
	if d.base != nil {
		return d.base.GetState(addr)
	}
	return nil, false
}

// SetState records addr's new opaque state, marking addr as touched, and
// returns the receiver for chaining.
func (d *AccountStateDelta) SetState(addr signature.Address, value []byte) *AccountStateDelta {
	cp := make([]byte, len(value))
	copy(cp, value)
	d.state[addr] = cp
	d.touched[addr] = true
	return d
}

// GetBalance returns addr's balance of currency, falling back through the
// base delta if this layer never touched it.
func (d *AccountStateDelta) GetBalance(addr signature.Address, currency string) uint64 {
	if byCur, ok := d.balance[addr]; ok {
		if v, ok := byCur[currency]; ok {
			return v
		}
	}
	if d.base != nil {
		return d.base.GetBalance(addr, currency)
	}
	return 0
}

func (d *AccountStateDelta) setBalance(addr signature.Address, currency string, value uint64) {
	if d.balance[addr] == nil {
		d.balance[addr] = make(map[string]uint64)
	}
	d.balance[addr][currency] = value
	d.touched[addr] = true
}

// MintAsset increases addr's balance of currency by amount.
func (d *AccountStateDelta) MintAsset(addr signature.Address, currency string, amount uint64) *AccountStateDelta {
	d.setBalance(addr, currency, d.GetBalance(addr, currency)+amount)
	return d
}

// BurnAsset decreases addr's balance of currency by amount, floored at zero.
func (d *AccountStateDelta) BurnAsset(addr signature.Address, currency string, amount uint64) *AccountStateDelta {
	cur := d.GetBalance(addr, currency)
	if amount > cur {
		amount = cur
	}
	d.setBalance(addr, currency, cur-amount)
	return d
}

// TransferAsset moves amount of currency from `from` to `to`. It is a
// no-op (not an error) if `from` has insufficient balance, mirroring
// the core's opaqueness toward action semantics: authoring DSLs decide
// what insufficient balance means.
func (d *AccountStateDelta) TransferAsset(from, to signature.Address, currency string, amount uint64) *AccountStateDelta {
	fromBal := d.GetBalance(from, currency)
	if amount > fromBal {
		return d
	}
	d.setBalance(from, currency, fromBal-amount)
	d.setBalance(to, currency, d.GetBalance(to, currency)+amount)
	return d
}

// UpdatedAddresses returns every address this delta layer touched, in no
// particular order.
func (d *AccountStateDelta) UpdatedAddresses() []signature.Address {
	out := make([]signature.Address, 0, len(d.touched))
	for addr := range d.touched {
		out = append(out, addr)
	}
	return out
}

// StateUpdatedAddresses returns addresses whose opaque state (not just
// balance) this delta layer touched.
func (d *AccountStateDelta) StateUpdatedAddresses() []signature.Address {
	out := make([]signature.Address, 0, len(d.state))
	for addr := range d.state {
		out = append(out, addr)
	}
	return out
}

// Snapshot materializes every address this delta layer (and nothing
// beneath it) touched into a plain map suitable for Store.SetBlockStates.
func (d *AccountStateDelta) Snapshot() map[signature.Address][]byte {
	out := make(map[signature.Address][]byte, len(d.touched))
	for addr := range d.touched {
		v, _ := d.GetState(addr)
		out[addr] = v
	}
	return out
}

// =============================================================================

// Action is user-supplied transactional logic. The core calls Execute once
// per action per block evaluation and Render/Unrender once per action each
// time it enters or leaves the canonical chain.
type Action interface {
	// Execute applies the action against ctx, returning the resulting
	// delta layered on top of ctx.Previous.
	Execute(ctx Context) (*AccountStateDelta, error)

	// Render is called when this action's owning transaction has been
	// added to the canonical chain and executed successfully.
	Render(ctx Context, output *AccountStateDelta)

	// Unrender is the render's undo, called when the action's owning
	// block leaves the canonical chain.
	Unrender(ctx Context, output *AccountStateDelta)

	// RenderError/UnrenderError notify the action that its own Execute
	// call failed; the chain is not rolled back because of this.
	RenderError(ctx Context, err error)
	UnrenderError(ctx Context, err error)

	// Type names the action for the wire/storage codec registry (TypeOf
	// on the Go type wouldn't survive serialization, so actions self-report).
	Type() string

	// PlainValue returns a JSON-serializable representation of the
	// action for wire/storage encoding, and LoadPlainValue parses it
	// back. See DESIGN.md for why JSON rather than bencode is used.
	PlainValue() (json.RawMessage, error)
	LoadPlainValue(v json.RawMessage) error
}

// Evaluation is the record produced by executing a single Action: enough
// to render/unrender it later without re-running Execute.
type Evaluation struct {
	Action Action
	Input  Context
	Output *AccountStateDelta
	Err    error
}

// =============================================================================

// Plain is the wire/storage envelope for an Action: its registered type
// name plus its own plain value.
type Plain struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ToPlain wraps action into its envelope.
func ToPlain(a Action) (Plain, error) {
	v, err := a.PlainValue()
	if err != nil {
		return Plain{}, err
	}
	return Plain{Type: a.Type(), Value: v}, nil
}

// Factory constructs a zero-valued Action of a registered type, ready for
// LoadPlainValue.
type Factory func() Action

// Registry maps action type names to factories so a Transaction decoded
// off the wire or out of the Store can reconstitute concrete Actions.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given type name, overwriting any
// previous registration.
func (r *Registry) Register(typeName string, f Factory) {
	r.factories[typeName] = f
}

// FromPlain reconstitutes a concrete Action from its wire envelope.
func (r *Registry) FromPlain(p Plain) (Action, error) {
	f, ok := r.factories[p.Type]
	if !ok {
		return nil, fmt.Errorf("action: no factory registered for type %q", p.Type)
	}
	a := f()
	if err := a.LoadPlainValue(p.Value); err != nil {
		return nil, err
	}
	return a, nil
}
