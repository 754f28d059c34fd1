package xfercrypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomKey(t *testing.T) [16]byte {
	var k [16]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return k
}

func TestCTREncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plain := bytes.Repeat([]byte{0xAA}, 65536)
	ciphertext := append([]byte(nil), plain...)
	c.XORKeyStream(0, 0, ciphertext)

	if bytes.Equal(ciphertext, plain) {
		t.Fatal("ciphertext should differ from plaintext")
	}

	recovered := append([]byte(nil), ciphertext...)
	c.XORKeyStream(0, 0, recovered)

	if !bytes.Equal(recovered, plain) {
		t.Fatal("decrypt(encrypt(plaintext)) != plaintext")
	}
}

func TestCTRRangeOffsetsProduceDifferentStreams(t *testing.T) {
	key := randomKey(t)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	block := make([]byte, 16)
	a := append([]byte(nil), block...)
	b := append([]byte(nil), block...)
	c.XORKeyStream(42, 0, a)
	c.XORKeyStream(42, 16, b)

	if bytes.Equal(a, b) {
		t.Fatal("different byte offsets must produce different keystreams")
	}
}

func TestChunkMACDeterministic(t *testing.T) {
	key := randomKey(t)
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	data := bytes.Repeat([]byte{0x42}, 200) // not a multiple of the block size

	m1 := NewChunkMAC(c)
	m1.Write(data)
	sum1 := m1.Sum()

	m2 := NewChunkMAC(c)
	m2.Write(data[:100])
	m2.Write(data[100:])
	sum2 := m2.Sum()

	if sum1 != sum2 {
		t.Fatal("chunk mac must not depend on how Write calls are chunked")
	}
}

func TestPackUnpackFileKeyRoundTrip(t *testing.T) {
	transferKey := randomKey(t)
	ctriv := uint64(0x1122334455667788)
	var metamac [16]byte
	copy(metamac[:], []byte("0123456789abcdef"))

	packed := PackFileKey(transferKey, ctriv, metamac)
	gotKey, gotCTRIV, gotMacPrefix := UnpackFileKey(packed)

	if gotKey != transferKey {
		t.Fatalf("transfer key did not round-trip: got %v want %v", gotKey, transferKey)
	}
	if gotCTRIV != ctriv {
		t.Fatalf("ctriv did not round-trip: got %x want %x", gotCTRIV, ctriv)
	}
	var wantPrefix [8]byte
	copy(wantPrefix[:], metamac[0:8])
	if gotMacPrefix != wantPrefix {
		t.Fatalf("mac prefix did not round-trip: got %v want %v", gotMacPrefix, wantPrefix)
	}
}

func TestParseUploadTokenCurrentAndLegacy(t *testing.T) {
	current := bytes.Repeat([]byte{0x01}, 36)
	if _, err := ParseUploadToken(current); err != nil {
		t.Fatalf("expected 36-byte token to parse: %v", err)
	}

	if _, err := ParseUploadToken([]byte("not a token")); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}
