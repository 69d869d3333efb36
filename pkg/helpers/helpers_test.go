package helpers

import (
	"bytes"
	"testing"
)

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("lengths = %d/%d, want 32", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two draws returned the same bytes")
	}

	empty, err := GenerateSecureRandom(0)
	if err != nil || len(empty) != 0 {
		t.Errorf("GenerateSecureRandom(0) = %x, %v", empty, err)
	}
}

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		a, b []byte
		want bool
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{[]byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{[]byte{1, 2}, []byte{1, 2, 3}, false},
		{nil, []byte{}, true},
	}
	for _, tt := range tests {
		if got := ConstantTimeCompare(tt.a, tt.b); got != tt.want {
			t.Errorf("ConstantTimeCompare(%x, %x) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
