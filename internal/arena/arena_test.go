package arena

import "testing"

func TestPutStringAndRead(t *testing.T) {
	r := NewMemory(8)
	a := New(r)

	off, err := a.PutString("m1")
	if err != nil {
		t.Fatalf("PutString: %v", err)
	}
	if got := a.StringAt(off); got != "m1" {
		t.Fatalf("StringAt = %q, want %q", got, "m1")
	}
	if got := a.StrlenAt(off); got != 3 {
		t.Fatalf("StrlenAt = %d, want 3 (incl NUL)", got)
	}
}

func TestWastedAccounting(t *testing.T) {
	r := NewMemory(8)
	a := New(r)

	if a.Wasted() != 0 {
		t.Fatalf("fresh arena wasted = %d, want 0", a.Wasted())
	}
	a.AddWasted(42)
	if a.Wasted() != 42 {
		t.Fatalf("wasted = %d, want 42", a.Wasted())
	}
	a.ResetWasted()
	if a.Wasted() != 0 {
		t.Fatalf("wasted after reset = %d, want 0", a.Wasted())
	}
}

func TestGrowsOnDemand(t *testing.T) {
	r := NewMemory(8)
	a := New(r)

	big := make([]byte, 1000)
	for i := range big {
		big[i] = byte(i)
	}
	off, err := a.PutBytes(big)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	got := a.Bytes(off, uint64(len(big)))
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], big[i])
		}
	}
}

func TestNullOffsetIsAbsent(t *testing.T) {
	r := NewMemory(8)
	a := New(r)

	if got := a.StringAt(NullOffset); got != "" {
		t.Fatalf("StringAt(NullOffset) = %q, want empty", got)
	}
	if got := a.Bytes(NullOffset, 10); got != nil {
		t.Fatalf("Bytes(NullOffset, ...) = %v, want nil", got)
	}
}
