package crypto

import "testing"

func TestSHA256HexDeterministic(t *testing.T) {
	if SHA256Hex("hello") != SHA256Hex("hello") {
		t.Fatal("expected deterministic digest")
	}
	if SHA256Hex("hello") == SHA256Hex("world") {
		t.Fatal("expected distinct digests for distinct input")
	}
}

func TestConstantTimeHexEqual(t *testing.T) {
	a := SHA256Hex("secret-1")
	b := SHA256Hex("secret-1")
	c := SHA256Hex("secret-2")

	if !ConstantTimeHexEqual(a, b) {
		t.Fatal("expected equal digests to compare equal")
	}
	if ConstantTimeHexEqual(a, c) {
		t.Fatal("expected distinct digests to compare unequal")
	}
	if ConstantTimeHexEqual("not-hex", a) {
		t.Fatal("expected invalid hex to compare unequal")
	}
}

func TestRandomTokenUnique(t *testing.T) {
	a, err := RandomToken(32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RandomToken(32)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct random tokens")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := []byte("a-signing-key-at-least-32-bytes!")
	data := []byte(`{"sub":"cli_abc"}`)

	sig := Sign(data, key)
	if !Verify(data, sig, key) {
		t.Fatal("expected verify to succeed against matching key and data")
	}
	if Verify(data, sig, []byte("different-key-at-least-32-bytes")) {
		t.Fatal("expected verify to fail against a different key")
	}
	if Verify([]byte(`{"sub":"cli_xyz"}`), sig, key) {
		t.Fatal("expected verify to fail against tampered data")
	}
}
