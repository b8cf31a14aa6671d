package filter

import (
	"errors"

	"github.com/spaolacci/murmur3"
)

const minBitLen = 64

// 布隆过滤器
type BloomFilter struct {
	k          int     // 每个 key 探测的 bit 位数
	bitsPerKey int     // 每个 key 分配的 bit 数
	hashedKeys []int32 // 添加到布隆过滤器的一系列 key 的 hash 值
}

// 布隆过滤器构造器
func NewBloomFilter(k, bitsPerKey int) (*BloomFilter, error) {
	if k <= 0 {
		return nil, errors.New("k must be positive")
	}
	if bitsPerKey <= 0 {
		return nil, errors.New("bitsPerKey must be positive")
	}
	return &BloomFilter{
		k:          k,
		bitsPerKey: bitsPerKey,
	}, nil
}

// 添加一个 key 到布隆过滤器
func (bf *BloomFilter) Add(key []byte) {
	bf.hashedKeys = append(bf.hashedKeys, hash(key))
}

// 判断 bitmap 中是否存在 key（注意，可能存在假阳性误判问题）
func (bf *BloomFilter) Exist(bitmap, key []byte) bool {
	if bitmap == nil {
		bitmap = bf.Hash()
	}
	// 空 bitmap 无法排除任何 key
	if len(bitmap) == 0 {
		return true
	}

	bitLen := int32(len(bitmap) << 3)
	h := hash(key)
	for i := 0; i < bf.k; i++ {
		targetBit := probe(h, bitLen)
		// 找到对应的 bit 位，如果值为 0，则 key 肯定不存在
		if bitmap[targetBit>>3]&(1<<(targetBit&7)) == 0 {
			return false
		}
		h += (h >> 17) | (h << 15)
	}

	// key 映射的所有 bit 位均为 1，则认为 key 存在
	return true
}

// 生成过滤器对应的 bitmap. 长度为 max(64, roundUp8(n * bitsPerKey)) bit
func (bf *BloomFilter) Hash() []byte {
	bitLen := len(bf.hashedKeys) * bf.bitsPerKey
	bitLen = (bitLen + 7) >> 3 << 3
	if bitLen < minBitLen {
		bitLen = minBitLen
	}
	bitmap := make([]byte, bitLen>>3)

	for _, h := range bf.hashedKeys {
		for i := 0; i < bf.k; i++ {
			targetBit := probe(h, int32(bitLen))
			bitmap[targetBit>>3] |= 1 << (targetBit & 7)
			h += (h >> 17) | (h << 15)
		}
	}

	return bitmap
}

// 重置过滤器
func (bf *BloomFilter) Reset() {
	bf.hashedKeys = bf.hashedKeys[:0]
}

// 获取过滤器中存在的 key 个数
func (bf *BloomFilter) KeyLen() int {
	return len(bf.hashedKeys)
}

// 按有符号 32 位整数参与运算，负数取模后修正到 [0, bitLen)
func hash(key []byte) int32 {
	return int32(murmur3.Sum32(key))
}

func probe(h, bitLen int32) int32 {
	return (h%bitLen + bitLen) % bitLen
}
