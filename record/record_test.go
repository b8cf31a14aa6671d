package record

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Record_EncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		r    *Record
	}{
		{name: "put", r: NewPut([]byte("a"), []byte("1"), 1)},
		{name: "delete", r: NewDelete([]byte("abc"), 1<<40)},
		{name: "empty key", r: NewPut([]byte{}, []byte("v"), 7)},
		{name: "empty value", r: NewPut([]byte("k"), nil, 9)},
		{name: "binary", r: NewPut([]byte{0, 0xff, 1}, []byte{0xde, 0xad}, 42)},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := test.r.Encode()
			assert.Equal(t, test.r.SerializeSize(), len(buf))

			got, err := Decode(buf)
			require.NoError(t, err)
			assert.Equal(t, test.r.Key, got.Key)
			assert.Equal(t, test.r.Value, got.Value)
			assert.Equal(t, test.r.Op, got.Op)
			assert.Equal(t, test.r.SequenceID, got.SequenceID)
		})
	}
}

func Test_Record_Layout(t *testing.T) {
	r := NewPut([]byte("ab"), []byte("xyz"), 5)
	buf := r.Encode()

	// rawKeyLen = 2 + 1 + 8
	assert.Equal(t, uint32(11), binary.BigEndian.Uint32(buf[0:]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(buf[4:]))
	assert.Equal(t, []byte("ab"), buf[8:10])
	assert.Equal(t, byte(Put), buf[10])
	assert.Equal(t, uint64(5), binary.BigEndian.Uint64(buf[11:]))
	assert.Equal(t, []byte("xyz"), buf[19:])
	assert.Equal(t, 4+4+11+3, r.SerializeSize())
}

func Test_Record_DecodeMalformed(t *testing.T) {
	good := NewPut([]byte("key"), []byte("value"), 3).Encode()

	badOp := append([]byte{}, good...)
	badOp[4+4+3] = 7

	shortKey := append([]byte{}, good...)
	binary.BigEndian.PutUint32(shortKey, 3)

	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "prefix only", buf: good[:6]},
		{name: "truncated body", buf: good[:len(good)-1]},
		{name: "unknown op", buf: badOp},
		{name: "raw key too short", buf: shortKey},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode(test.buf)
			assert.True(t, errors.Is(err, ErrMalformedRecord), "got %v", err)
		})
	}
}

func Test_Record_DecodeIgnoresTrailingBytes(t *testing.T) {
	r := NewPut([]byte("k"), []byte("v"), 1)
	buf := append(r.Encode(), 1, 2, 3)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, Compare(r, got))
}

func Test_Record_NewRecord(t *testing.T) {
	_, err := NewRecord([]byte("a"), nil, Op(3), 1)
	assert.Error(t, err)

	_, err = NewRecord([]byte("a"), nil, Put, 0)
	assert.Error(t, err)
}

func Test_Compare(t *testing.T) {
	assert.Equal(t, -1, Compare(NewPut([]byte("a"), nil, 1), NewPut([]byte("b"), nil, 9)))
	// 同 key, sequenceId 大的在前
	assert.Equal(t, -1, Compare(NewPut([]byte("a"), nil, 9), NewPut([]byte("a"), nil, 1)))
	// 同 key 同 sequenceId, Delete 在前
	assert.Equal(t, -1, Compare(NewDelete([]byte("a"), 3), NewPut([]byte("a"), nil, 3)))
	assert.Equal(t, 1, Compare(NewPut([]byte("a"), nil, 3), NewDelete([]byte("a"), 3)))
	assert.Equal(t, 0, Compare(NewPut([]byte("a"), []byte("x"), 3), NewPut([]byte("a"), []byte("y"), 3)))
}

func Test_Compare_TotalOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	keys := [][]byte{[]byte("a"), []byte("ab"), []byte("b"), {}}
	records := make([]*Record, 0, 32)
	for i := 0; i < 32; i++ {
		op := Put
		if rnd.Intn(2) == 1 {
			op = Delete
		}
		r, err := NewRecord(keys[rnd.Intn(len(keys))], nil, op, uint64(rnd.Intn(5)+1))
		require.NoError(t, err)
		records = append(records, r)
	}

	for _, a := range records {
		for _, b := range records {
			// 反对称
			assert.Equal(t, Compare(a, b), -Compare(b, a))
			for _, c := range records {
				// 传递
				if Compare(a, b) <= 0 && Compare(b, c) <= 0 {
					assert.LessOrEqual(t, Compare(a, c), 0)
				}
			}
		}
	}

	sort.Slice(records, func(i, j int) bool { return Less(records[i], records[j]) })
	for i := 1; i < len(records); i++ {
		assert.LessOrEqual(t, Compare(records[i-1], records[i]), 0)
	}
}
