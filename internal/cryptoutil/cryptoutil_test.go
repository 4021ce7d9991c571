package cryptoutil

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}
	plaintext := "tenant jwt secret material"
	ct, err := box.EncryptString(plaintext)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if ct == plaintext {
		t.Fatalf("ciphertext equals plaintext")
	}
	got, err := box.DecryptString(ct)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != plaintext {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	box, _ := NewBox(make([]byte, 32))
	ct, _ := box.EncryptString("secret")
	tampered := []byte(ct)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := box.Decrypt(string(tampered)); err == nil {
		t.Errorf("expected tamper to be detected")
	}
}

func TestDecryptTooShortCiphertext(t *testing.T) {
	box, _ := NewBox(make([]byte, 32))
	if _, err := box.Decrypt(""); err != ErrCiphertextTooShort {
		t.Errorf("got %v, want ErrCiphertextTooShort", err)
	}
}

func TestNewBoxFromStringRawKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	if _, err := NewBoxFromString(string(key)); err != nil {
		t.Errorf("NewBoxFromString raw key: %v", err)
	}
}

func TestRandomSecretLength(t *testing.T) {
	s, err := RandomSecret(64)
	if err != nil {
		t.Fatalf("RandomSecret: %v", err)
	}
	if len(s) != 64 {
		t.Errorf("got %d bytes, want 64", len(s))
	}
}
