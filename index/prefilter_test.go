package index

import (
	"fmt"
	"testing"
)

func TestPreFilterNoFalseNegatives(t *testing.T) {
	f := NewPreFilter(10000, 0.01)

	inserted := make([]string, 0, 5000)
	for i := 0; i < 5000; i++ {
		token := fmt.Sprintf("capability-%d", i)
		f.Add(token)
		inserted = append(inserted, token)
	}

	for _, token := range inserted {
		if !f.MightContain(token) {
			t.Fatalf("false negative for inserted token %q", token)
		}
	}
}

func TestPreFilterFalsePositiveRate(t *testing.T) {
	f := NewPreFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		f.Add(fmt.Sprintf("token-%d", i))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.MightContain(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}

	// 1% target with headroom for hash variance.
	rate := float64(falsePositives) / probes
	if rate > 0.03 {
		t.Errorf("false positive rate %.4f exceeds tolerance", rate)
	}
}

func TestPreFilterReset(t *testing.T) {
	f := NewPreFilter(100, 0.01)
	f.Add("chat")
	if !f.MightContain("chat") {
		t.Fatal("expected inserted token to be present")
	}

	f.Reset()
	if f.MightContain("chat") {
		t.Error("expected token to be absent after reset")
	}
	if f.Count() != 0 {
		t.Errorf("expected count 0 after reset, got %d", f.Count())
	}
}

func TestPreFilterDegenerateSizing(t *testing.T) {
	// Invalid parameters fall back to safe defaults instead of panicking.
	f := NewPreFilter(0, 2.0)
	f.Add("x")
	if !f.MightContain("x") {
		t.Error("expected inserted token to be present")
	}
}
