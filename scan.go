package minibase

import (
	"bytes"

	"github.com/xiaoxuxiansheng/minibase/iterator"
	"github.com/xiaoxuxiansheng/minibase/record"
)

// 范围查询迭代器. 相同 key 只返回最新的一笔，被删除的 key 跳过
type ScanIter struct {
	it  iterator.SeekIter
	end []byte // 为空时不设上界

	cur *record.Record
}

func newScanIter(it iterator.SeekIter, start, end []byte) (*ScanIter, error) {
	s := ScanIter{
		it:  it,
		end: end,
	}
	if len(start) > 0 {
		if err := it.SeekTo(record.NewDelete(start, ^uint64(0))); err != nil {
			return nil, err
		}
	}
	if err := s.advance(); err != nil {
		return nil, err
	}
	return &s, nil
}

// 移动到下一个可见的 key
// 1 取该 key 的第一笔数据，它是最新的
// 2 跳过该 key 的其余版本
// 3 最新一笔为删除标记时继续寻找下一个 key
func (s *ScanIter) advance() error {
	s.cur = nil
	for s.it.Valid() {
		r := s.it.Record()
		if len(s.end) > 0 && bytes.Compare(r.Key, s.end) >= 0 {
			return nil
		}

		for s.it.Valid() && bytes.Equal(s.it.Record().Key, r.Key) {
			if err := s.it.Next(); err != nil {
				return err
			}
		}

		if r.Op == record.Put {
			s.cur = r
			return nil
		}
	}
	return nil
}

func (s *ScanIter) Valid() bool {
	return s.cur != nil
}

func (s *ScanIter) Key() []byte {
	return s.cur.Key
}

func (s *ScanIter) Value() []byte {
	return s.cur.Value
}

func (s *ScanIter) Record() *record.Record {
	return s.cur
}

func (s *ScanIter) Next() error {
	if s.cur == nil {
		return nil
	}
	return s.advance()
}

func (s *ScanIter) Close() error {
	s.cur = nil
	return s.it.Close()
}
