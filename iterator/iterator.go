package iterator

import (
	"sort"

	"github.com/xiaoxuxiansheng/minibase/record"
)

// 有序迭代器. 构造完成后即定位在第一笔数据上
type SeekIter interface {
	Valid() bool                        // 是否仍指向一笔有效数据
	Record() *record.Record             // 当前数据，仅在 Valid 为 true 时可调用
	Next() error                        // 推进到下一笔数据
	SeekTo(target *record.Record) error // 定位到第一笔 >= target 的数据
	Close() error                       // 释放资源
}

// 基于有序切片的迭代器. 切片需已按全序排列
type SliceIter struct {
	records []*record.Record
	pos     int
}

func NewSliceIter(records []*record.Record) *SliceIter {
	return &SliceIter{records: records}
}

func (s *SliceIter) Valid() bool {
	return s.pos < len(s.records)
}

func (s *SliceIter) Record() *record.Record {
	return s.records[s.pos]
}

func (s *SliceIter) Next() error {
	if s.pos < len(s.records) {
		s.pos++
	}
	return nil
}

func (s *SliceIter) SeekTo(target *record.Record) error {
	s.pos = sort.Search(len(s.records), func(i int) bool {
		return record.Compare(s.records[i], target) >= 0
	})
	return nil
}

func (s *SliceIter) Close() error {
	s.records = nil
	s.pos = 0
	return nil
}
