package wallet

import "testing"

func TestNormalize_LowersCase(t *testing.T) {
	got, err := Normalize("0xAbCdEf0123456789aBcDeF0123456789ABCDEF01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "0xabcdef0123456789abcdef0123456789abcdef01"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestNormalize_TrimsWhitespace(t *testing.T) {
	got, err := Normalize("  0x1111111111111111111111111111111111111111 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x1111111111111111111111111111111111111111" {
		t.Errorf("unexpected result: %s", got)
	}
}

func TestNormalize_Rejects(t *testing.T) {
	bad := []string{
		"",
		"0x123",                                       // too short
		"1111111111111111111111111111111111111111",    // missing 0x
		"0xZZ11111111111111111111111111111111111111",  // non-hex
		"0x11111111111111111111111111111111111111111", // too long
	}
	for _, addr := range bad {
		if _, err := Normalize(addr); err != ErrInvalidAddress {
			t.Errorf("expected ErrInvalidAddress for %q, got %v", addr, err)
		}
	}
}
