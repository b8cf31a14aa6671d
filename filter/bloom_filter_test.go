package filter

import (
	"fmt"
	"testing"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewBloomFilter(t *testing.T) {
	_, err := NewBloomFilter(0, 10)
	assert.Error(t, err)
	_, err = NewBloomFilter(3, 0)
	assert.Error(t, err)
	_, err = NewBloomFilter(-1, -1)
	assert.Error(t, err)

	bf, err := NewBloomFilter(3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, bf.KeyLen())
}

func Test_BloomFilter_Add_Exist(t *testing.T) {
	bf, err := NewBloomFilter(3, 10)
	if err != nil {
		t.Error(err)
		return
	}

	bf.Add([]byte("a"))
	bf.Add([]byte("b"))
	bf.Add([]byte("c"))
	bf.Add([]byte("d"))

	bitmap := bf.Hash()
	for _, key := range []string{"a", "b", "c", "d"} {
		if ok := bf.Exist(bitmap, []byte(key)); !ok {
			t.Errorf("key: %v, expect: true, got: false", key)
		}
	}

	if ok := bf.Exist(bitmap, []byte("e")); ok {
		t.Errorf("key: %v, expect: false, got: true", "e")
	}
}

func Test_BloomFilter_Hash(t *testing.T) {
	bf, err := NewBloomFilter(3, 10)
	if err != nil {
		t.Error(err)
		return
	}

	bf.Add([]byte("a"))
	bf.Add([]byte("b"))
	bf.Add([]byte("c"))
	bf.Add([]byte("d"))

	// 4 * 10 = 40 bit，不足 64 bit 按 64 bit 分配
	expect := []byte{24, 0, 2, 128, 2, 1, 12, 129}
	if got := bf.Hash(); string(got) != string(expect) {
		t.Errorf("expect: %v, got: %v", expect, got)
	}
}

func Test_BloomFilter_BitLen(t *testing.T) {
	bf, err := NewBloomFilter(3, 10)
	require.NoError(t, err)
	assert.Len(t, bf.Hash(), 8)

	for i := 0; i < 7; i++ {
		bf.Add([]byte{byte(i)})
	}
	// 70 bit 向上取整到 72 bit
	assert.Len(t, bf.Hash(), 9)

	bf.Reset()
	assert.Equal(t, 0, bf.KeyLen())
	assert.Len(t, bf.Hash(), 8)
}

func Test_BloomFilter_NoFalseNegative(t *testing.T) {
	bf, err := NewBloomFilter(3, 10)
	require.NoError(t, err)

	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		keys = append(keys, []byte(fmt.Sprintf("key-%d", i)))
	}
	for _, key := range keys {
		bf.Add(key)
	}

	bitmap := bf.Hash()
	// 换一个实例判断，只依赖 bitmap 本身
	other, err := NewBloomFilter(3, 1)
	require.NoError(t, err)
	for _, key := range keys {
		assert.True(t, other.Exist(bitmap, key), "key: %s", key)
	}

	var falsePositive int
	for i := 0; i < 1000; i++ {
		if other.Exist(bitmap, []byte(fmt.Sprintf("absent-%d", i))) {
			falsePositive++
		}
	}
	assert.Less(t, falsePositive, 200)
}

func Test_BloomFilter_EmptyBitmap(t *testing.T) {
	bf, err := NewBloomFilter(3, 10)
	require.NoError(t, err)
	assert.True(t, bf.Exist([]byte{}, []byte("a")))
}

func Test_bitOperation(t *testing.T) {
	assert.Equal(t, uint32(1009084850), murmur3.Sum32([]byte("a")))
	assert.Equal(t, uint32(2514386435), murmur3.Sum32([]byte("b")))
	// 有符号运算时负数取模需要修正到 [0, bitLen)
	h := int32(-7)
	assert.Equal(t, int32(57), probe(h, 64))
	assert.Equal(t, int32(7), probe(7, 64))
}
