package codec_test

import (
	"bytes"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"ridgedb/pkg/codec"
	"ridgedb/pkg/index"
)

func TestValidate(t *testing.T) {
	t.Run("AcceptsBounds", func(t *testing.T) {
		key := bytes.Repeat([]byte{'k'}, codec.MaxKeySize)
		val := bytes.Repeat([]byte{'v'}, codec.MaxValueSize)
		if err := codec.Validate(key, val); err != nil {
			t.Errorf("max-size key/value rejected: %s", err)
		}
	})
	t.Run("RejectsEmptyKey", func(t *testing.T) {
		if err := codec.Validate(nil, []byte("v")); !errors.Is(err, index.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for empty key, got %v", err)
		}
	})
	t.Run("RejectsOversizedKey", func(t *testing.T) {
		key := bytes.Repeat([]byte{'k'}, codec.MaxKeySize+1)
		if err := codec.Validate(key, nil); !errors.Is(err, index.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for oversized key, got %v", err)
		}
	})
	t.Run("RejectsOversizedValue", func(t *testing.T) {
		val := bytes.Repeat([]byte{'v'}, codec.MaxValueSize+1)
		if err := codec.Validate([]byte("k"), val); !errors.Is(err, index.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for oversized value, got %v", err)
		}
	})
}

// Encoded int64 keys must compare bytewise in the same order as the
// integers themselves, negatives included.
func TestInt64OrderPreserved(t *testing.T) {
	nums := []int64{-1 << 62, -100000, -1, 0, 1, 42, 100000, 1 << 62}
	for i := 0; i < 100; i++ {
		nums = append(nums, rand.Int63()-rand.Int63())
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	for i := 1; i < len(nums); i++ {
		a, b := codec.EncodeInt64(nums[i-1]), codec.EncodeInt64(nums[i])
		want := 0
		if nums[i-1] < nums[i] {
			want = -1
		}
		if got := codec.Compare(a, b); got != want {
			t.Fatalf("Compare(enc(%d), enc(%d)) = %d, want %d", nums[i-1], nums[i], got, want)
		}
	}
}

func TestInt64RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		got, err := codec.DecodeInt64(codec.EncodeInt64(v))
		if err != nil {
			t.Fatalf("DecodeInt64(EncodeInt64(%d)) errored: %s", v, err)
		}
		if got != v {
			t.Errorf("round trip of %d gave %d", v, got)
		}
	}
	if _, err := codec.DecodeInt64([]byte{1, 2, 3}); !errors.Is(err, index.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for short encoding, got %v", err)
	}
}

func TestCellRoundTrip(t *testing.T) {
	buf := make([]byte, codec.CellSize)
	key, val := []byte("answer"), []byte("forty-two")
	codec.PutCell(buf, key, val)
	gotKey, gotVal, err := codec.GetCell(buf)
	if err != nil {
		t.Fatalf("GetCell errored: %s", err)
	}
	if !bytes.Equal(gotKey, key) || !bytes.Equal(gotVal, val) {
		t.Errorf("cell round trip gave (%q, %q), want (%q, %q)", gotKey, gotVal, key, val)
	}
}
