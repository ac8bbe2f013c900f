package gate

import (
	"fmt"
	"testing"
)

func TestAdmitOnce(t *testing.T) {
	g := New(10)

	if !g.Admit("[Sat Feb 07 12:00:00 2026] hello") {
		t.Fatal("expected first sighting to be admitted")
	}
	for i := 0; i < 3; i++ {
		if g.Admit("[Sat Feb 07 12:00:00 2026] hello") {
			t.Fatalf("expected repeat %d to be dropped", i+1)
		}
	}
	if !g.Admit("[Sat Feb 07 12:00:01 2026] hello") {
		t.Error("expected a different line to be admitted")
	}
}

func TestEvictsOldestHalf(t *testing.T) {
	g := New(10)

	for i := 0; i < 11; i++ {
		g.Admit(fmt.Sprintf("line %d", i))
	}

	// 11 > 10, so the first 5 are forgotten.
	if g.Len() != 6 {
		t.Fatalf("expected 6 remembered hashes, got %d", g.Len())
	}
	for i := 0; i < 5; i++ {
		if !g.Admit(fmt.Sprintf("line %d", i)) {
			t.Errorf("expected evicted line %d to be admitted again", i)
		}
	}

	g2 := New(10)
	for i := 0; i < 11; i++ {
		g2.Admit(fmt.Sprintf("line %d", i))
	}
	for i := 5; i < 11; i++ {
		if g2.Admit(fmt.Sprintf("line %d", i)) {
			t.Errorf("expected recent line %d to still be remembered", i)
		}
	}
}

func TestReset(t *testing.T) {
	g := New(0)
	g.Admit("a")
	g.Reset()

	if g.Len() != 0 {
		t.Errorf("expected empty gate, got %d", g.Len())
	}
	if !g.Admit("a") {
		t.Error("expected line to be admitted after reset")
	}
}

func BenchmarkAdmit(b *testing.B) {
	g := New(DefaultLimit)
	lines := make([]string, 4096)
	for i := range lines {
		lines[i] = fmt.Sprintf("[Sat Feb 07 12:00:00 2026] Soandso says, 'line %d'", i)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		g.Admit(lines[i%len(lines)])
	}
}
