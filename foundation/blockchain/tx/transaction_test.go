package tx_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainforge/corechain/foundation/blockchain/action"
	"github.com/chainforge/corechain/foundation/blockchain/signature"
	"github.com/chainforge/corechain/foundation/blockchain/tx"
)

type setStateAction struct {
	Addr  signature.Address
	Value []byte
}

func (a *setStateAction) Execute(ctx action.Context) (*action.AccountStateDelta, error) {
	return action.NewAccountStateDelta(ctx.Previous).SetState(a.Addr, a.Value), nil
}
func (a *setStateAction) Render(action.Context, *action.AccountStateDelta)        {}
func (a *setStateAction) Unrender(action.Context, *action.AccountStateDelta)      {}
func (a *setStateAction) RenderError(action.Context, error)                      {}
func (a *setStateAction) UnrenderError(action.Context, error)                    {}
func (a *setStateAction) Type() string                                           { return "set-state" }
func (a *setStateAction) PlainValue() (json.RawMessage, error)                    { return json.Marshal(a) }
func (a *setStateAction) LoadPlainValue(v json.RawMessage) error                  { return json.Unmarshal(v, a) }

func Test_NewAndVerify(t *testing.T) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}

	addr := signature.AddressFromPublicKey(&pk.PublicKey)
	a := &setStateAction{Addr: addr, Value: []byte("A")}

	txn, err := tx.New(0, pk, []signature.Address{addr}, []action.Action{a}, time.Now().UTC())
	if err != nil {
		t.Fatalf("new transaction: %s", err)
	}

	if err := txn.Verify(); err != nil {
		t.Fatalf("verify: %s", err)
	}

	if txn.Signer != addr {
		t.Fatalf("got signer %s, want %s", txn.Signer, addr)
	}
}

func Test_VerifyRejectsBadNonce(t *testing.T) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %s", err)
	}

	txn, err := tx.New(-1, pk, nil, nil, time.Now().UTC())
	if err != nil {
		t.Fatalf("new transaction: %s", err)
	}

	if err := txn.Verify(); err == nil {
		t.Fatalf("expected negative nonce to fail verification")
	}
}
