package lsm

import (
	"fmt"
	"testing"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	t.Parallel()
	const n = 10000
	b := NewBloom(n, 0.01)
	for i := 0; i < n; i++ {
		b.Add(fmt.Appendf(nil, "present-%d", i))
	}
	for i := 0; i < n; i++ {
		if !b.MayContain(fmt.Appendf(nil, "present-%d", i)) {
			t.Fatalf("false negative for present key %d", i)
		}
	}
}

// The observed false-positive rate over 100k absent keys must stay
// within 2x the configured target.
func TestBloomFalsePositiveRate(t *testing.T) {
	t.Parallel()
	const n, probes = 10000, 100000
	const target = 0.01
	b := NewBloom(n, target)
	for i := 0; i < n; i++ {
		b.Add(fmt.Appendf(nil, "present-%d", i))
	}
	fp := 0
	for i := 0; i < probes; i++ {
		if b.MayContain(fmt.Appendf(nil, "absent-%d", i)) {
			fp++
		}
	}
	rate := float64(fp) / probes
	if rate > 2*target {
		t.Errorf("false positive rate %.4f exceeds 2x target %.4f", rate, target)
	}
}

func TestBloomEncodeDecode(t *testing.T) {
	t.Parallel()
	b := NewBloom(1000, 0.01)
	for i := 0; i < 1000; i++ {
		b.Add(fmt.Appendf(nil, "key-%d", i))
	}
	buf, err := b.Encode()
	if err != nil {
		t.Fatal("Encode errored:", err)
	}
	decoded, err := DecodeBloom(buf)
	if err != nil {
		t.Fatal("DecodeBloom errored:", err)
	}
	for i := 0; i < 1000; i++ {
		if !decoded.MayContain(fmt.Appendf(nil, "key-%d", i)) {
			t.Fatalf("decoded filter lost key %d", i)
		}
	}
}
