package main

import (
	"encoding/json"
	"strconv"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

// bankCurrency is the single currency this demo action moves. A real
// authoring DSL would carry it on the action itself; this CLI only needs
// one to exercise TransferAsset end to end.
const bankCurrency = "USD"

// bankAction is the fixed-currency demo action promised in DESIGN.md: it
// replaces the teacher's hardwired Tx/bank logic with an action.Action that
// transfers a balance and mirrors the recipient's new balance into opaque
// state, so `query-state` has something human-readable to print.
type bankAction struct {
	To     signature.Address `json:"to"`
	Amount uint64             `json:"amount"`
}

func (a *bankAction) Execute(ctx action.Context) (*action.AccountStateDelta, error) {
	delta := action.NewAccountStateDelta(ctx.Previous)
	delta.TransferAsset(ctx.Signer, a.To, bankCurrency, a.Amount)
	balance := delta.GetBalance(a.To, bankCurrency)
	delta.SetState(a.To, []byte(strconv.FormatUint(balance, 10)))
	return delta, nil
}

func (a *bankAction) Render(action.Context, *action.AccountStateDelta)   {}
func (a *bankAction) Unrender(action.Context, *action.AccountStateDelta) {}
func (a *bankAction) RenderError(action.Context, error)                  {}
func (a *bankAction) UnrenderError(action.Context, error)                {}

func (a *bankAction) Type() string { return "bank" }

func (a *bankAction) PlainValue() (json.RawMessage, error) { return json.Marshal(a) }

func (a *bankAction) LoadPlainValue(v json.RawMessage) error { return json.Unmarshal(v, a) }

// newRegistry returns the action.Registry every subcommand shares: the
// demo CLI only ever transfers through bankAction.
func newRegistry() *action.Registry {
	r := action.NewRegistry()
	r.Register("bank", func() action.Action { return &bankAction{} })
	return r
}
