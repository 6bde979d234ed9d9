package wire

import "testing"

func TestAppendMBI(t *testing.T) {
	tests := []struct {
		name     string
		value    int
		expected []byte
	}{
		{"zero", 0, []byte{0x00}},
		{"127", 127, []byte{0x7F}},
		{"128", 128, []byte{0x80, 0x01}},
		{"16383", 16383, []byte{0xFF, 0x7F}},
		{"16384", 16384, []byte{0x80, 0x80, 0x01}},
		{"2097151", 2097151, []byte{0xFF, 0xFF, 0x7F}},
		{"2097152", 2097152, []byte{0x80, 0x80, 0x80, 0x01}},
		{"268435455", 268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendMBI(nil, tt.value)
			if string(got) != string(tt.expected) {
				t.Errorf("AppendMBI(%d) = %v, want %v", tt.value, got, tt.expected)
			}
		})
	}
}

func TestDecodeMBI(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		value    int
		n        int
		wantErr  bool
		wantZero bool // partial frame: n==0, err==nil
	}{
		{"zero", []byte{0x00}, 0, 1, false, false},
		{"128", []byte{0x80, 0x01}, 128, 2, false, false},
		{"268435455", []byte{0xFF, 0xFF, 0xFF, 0x7F}, 268435455, 4, false, false},
		{"too long", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}, 0, 0, true, false},
		{"incomplete", []byte{0x80}, 0, 0, false, true},
		{"empty", []byte{}, 0, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, n, err := DecodeMBI(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeMBI() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMBI() unexpected error: %v", err)
			}
			if tt.wantZero {
				if n != 0 {
					t.Errorf("DecodeMBI() n = %d, want 0 (partial frame)", n)
				}
				return
			}
			if value != tt.value || n != tt.n {
				t.Errorf("DecodeMBI() = (%d, %d), want (%d, %d)", value, n, tt.value, tt.n)
			}
		})
	}
}

func TestMBIRoundTrip(t *testing.T) {
	values := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}
	for _, v := range values {
		encoded := AppendMBI(nil, v)
		decoded, n, err := DecodeMBI(encoded)
		if err != nil {
			t.Fatalf("round trip %d: %v", v, err)
		}
		if decoded != v || n != len(encoded) {
			t.Errorf("round trip %d: got (%d, %d), want (%d, %d)", v, decoded, n, v, len(encoded))
		}
	}
}
