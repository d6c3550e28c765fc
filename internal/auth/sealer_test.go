package auth

import "testing"

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer([]byte("server-secret"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	blob, err := sealer.Seal("provider-access-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if blob == "provider-access-token" {
		t.Fatal("Seal returned the plaintext")
	}
	got, err := sealer.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "provider-access-token" {
		t.Fatalf("Open = %q", got)
	}
}

func TestSealerEmptyPassthrough(t *testing.T) {
	sealer, err := NewSealer([]byte("server-secret"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	blob, err := sealer.Seal("")
	if err != nil || blob != "" {
		t.Fatalf("Seal(\"\") = %q, %v", blob, err)
	}
	got, err := sealer.Open("")
	if err != nil || got != "" {
		t.Fatalf("Open(\"\") = %q, %v", got, err)
	}
}

func TestSealerRejectsForeignBlob(t *testing.T) {
	a, err := NewSealer([]byte("secret-a"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	b, err := NewSealer([]byte("secret-b"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	blob, err := a.Seal("token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := b.Open(blob); err == nil {
		t.Fatal("blob sealed under another key must not open")
	}
	if _, err := a.Open("not base64url!!!"); err == nil {
		t.Fatal("malformed blob must not open")
	}
}
