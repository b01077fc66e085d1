package encoding

import "testing"

func TestToUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, ""},
		{"ascii", []byte("Maria Silva "), "Maria Silva"},
		{"accented", []byte{'J', 'o', 0xE3, 'o'}, "João"},
		{"cedilla", []byte{'A', 0xE7, 'a', 'i'}, "Açai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToUTF8(tt.in); got != tt.want {
				t.Errorf("ToUTF8(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromUTF8RoundTrip(t *testing.T) {
	in := "Conceição"
	if got := ToUTF8([]byte(FromUTF8(in))); got != in {
		t.Errorf("round trip = %q, want %q", got, in)
	}
}

func TestFromUTF8ReplacesUnmappable(t *testing.T) {
	got := ToUTF8([]byte(FromUTF8("ok 😀")))
	if got != "ok ?" {
		t.Errorf("expected unmappable rune to be replaced, got %q", got)
	}
}
