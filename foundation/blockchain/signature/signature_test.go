package signature_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainforge/corechain/foundation/blockchain/signature"
)

func Test_Signing(t *testing.T) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("should be able to generate a private key: %s", err)
	}

	value := struct {
		Name string
	}{
		Name: "Bill",
	}

	sig, err := signature.Sign(value, pk)
	if err != nil {
		t.Fatalf("should be able to sign: %s", err)
	}

	if err := signature.Verify(sig); err != nil {
		t.Fatalf("should be a valid signature: %s", err)
	}

	addr, err := signature.FromAddress(value, sig)
	if err != nil {
		t.Fatalf("should be able to recover address: %s", err)
	}

	want := signature.AddressFromPublicKey(&pk.PublicKey)
	if addr != want {
		t.Fatalf("got address %s, want %s", addr, want)
	}
}

func Test_SigningTamperedValueFails(t *testing.T) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("should be able to generate a private key: %s", err)
	}

	value := struct{ Name string }{Name: "Bill"}
	sig, err := signature.Sign(value, pk)
	if err != nil {
		t.Fatalf("should be able to sign: %s", err)
	}

	tampered := struct{ Name string }{Name: "Bob"}
	addr, err := signature.FromAddress(tampered, sig)
	if err != nil {
		t.Fatalf("recovery itself should not fail: %s", err)
	}

	want := signature.AddressFromPublicKey(&pk.PublicKey)
	if addr == want {
		t.Fatalf("tampered value should not recover the original signer")
	}
}
