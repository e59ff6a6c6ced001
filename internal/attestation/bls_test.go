package attestation

import (
	"bytes"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := Message([32]byte{1})
	sig := kp.Sign(msg)

	if len(sig) != BLSSignatureSize {
		t.Fatalf("expected %d-byte signature, got %d", BLSSignatureSize, len(sig))
	}

	if !Verify(sig, msg, kp.PublicKeyBytes()) {
		t.Error("valid signature failed verification")
	}
}

func TestVerifyWrongMessage(t *testing.T) {
	kp, _ := GenerateKey()

	sig := kp.Sign(Message([32]byte{1}))

	if Verify(sig, Message([32]byte{2}), kp.PublicKeyBytes()) {
		t.Error("signature verified against wrong message")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	kp1, _ := GenerateKey()
	kp2, _ := GenerateKey()

	msg := Message([32]byte{1})
	sig := kp1.Sign(msg)

	if Verify(sig, msg, kp2.PublicKeyBytes()) {
		t.Error("signature verified against wrong key")
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	kp, _ := GenerateKey()
	msg := Message([32]byte{1})

	if Verify([]byte("short"), msg, kp.PublicKeyBytes()) {
		t.Error("short signature verified")
	}

	if Verify(kp.Sign(msg), msg, []byte("short")) {
		t.Error("short public key verified")
	}
}

func TestGenerateKeyFromSeedDeterministic(t *testing.T) {
	seed := []byte("a-deterministic-32-byte-test-seed")

	kp1, err := GenerateKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	kp2, err := GenerateKeyFromSeed(seed)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if !bytes.Equal(kp1.PublicKeyBytes(), kp2.PublicKeyBytes()) {
		t.Error("same seed produced different keys")
	}
}

func TestGenerateKeyFromShortSeed(t *testing.T) {
	if _, err := GenerateKeyFromSeed([]byte("short")); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestAggregateAndVerify(t *testing.T) {
	msg := Message([32]byte{7})

	var sigs [][]byte
	var pubkeys [][]byte

	for i := 0; i < 4; i++ {
		kp, err := GenerateKey()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		sigs = append(sigs, kp.Sign(msg))
		pubkeys = append(pubkeys, kp.PublicKeyBytes())
	}

	agg, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if !VerifyAggregated(agg, msg, pubkeys) {
		t.Error("aggregated signature failed verification")
	}

	// Dropping one signer's key must break verification.
	if VerifyAggregated(agg, msg, pubkeys[:3]) {
		t.Error("aggregate verified with missing signer key")
	}
}

func TestAggregateEmpty(t *testing.T) {
	if _, err := AggregateSignatures(nil); err == nil {
		t.Error("expected error for empty aggregation")
	}
}

func TestMessageDomainSeparated(t *testing.T) {
	if bytes.Equal(Message([32]byte{1}), Message([32]byte{2})) {
		t.Error("messages collide across deposits")
	}
}
