package randhex

import "testing"

func TestStringLength(t *testing.T) {
	for _, n := range []int{1, 2, 9, 10, 32} {
		if got := String(n); len(got) != n {
			t.Fatalf("String(%d) returned %q (len %d)", n, got, len(got))
		}
	}
}

func TestStringIsHex(t *testing.T) {
	s := String(64)
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("non-hex character %q in %q", c, s)
		}
	}
}

func TestStringUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := String(10)
		if seen[s] {
			t.Fatalf("duplicate secret generated: %q", s)
		}
		seen[s] = true
	}
}
