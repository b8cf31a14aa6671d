package iterator

import (
	"container/heap"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/minibase/record"
)

type heapItem struct {
	rec   *record.Record
	index int // 子迭代器在输入中的位置，全序相等时位置靠前者优先
}

type recordHeap []*heapItem

func (h recordHeap) Len() int { return len(h) }

func (h recordHeap) Less(i, j int) bool {
	if c := record.Compare(h[i].rec, h[j].rec); c != 0 {
		return c < 0
	}
	return h[i].index < h[j].index
}

func (h recordHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *recordHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// 多路归并迭代器. 不做去重，也不处理删除标记
type MergeIter struct {
	iters []SeekIter
	heap  recordHeap
}

func NewMergeIter(iters ...SeekIter) *MergeIter {
	m := MergeIter{
		iters: iters,
	}
	m.rebuild()
	return &m
}

func (m *MergeIter) rebuild() {
	m.heap = m.heap[:0]
	for i, it := range m.iters {
		if it.Valid() {
			m.heap = append(m.heap, &heapItem{rec: it.Record(), index: i})
		}
	}
	heap.Init(&m.heap)
}

func (m *MergeIter) Valid() bool {
	return len(m.heap) > 0
}

func (m *MergeIter) Record() *record.Record {
	return m.heap[0].rec
}

// 推进最小值所属的子迭代器，并补充其下一笔数据
func (m *MergeIter) Next() error {
	if len(m.heap) == 0 {
		return nil
	}

	top := m.heap[0]
	it := m.iters[top.index]
	if err := it.Next(); err != nil {
		return err
	}

	if !it.Valid() {
		heap.Pop(&m.heap)
		return nil
	}
	top.rec = it.Record()
	heap.Fix(&m.heap, 0)
	return nil
}

// 所有子迭代器重新定位后重建堆
func (m *MergeIter) SeekTo(target *record.Record) error {
	for _, it := range m.iters {
		if err := it.SeekTo(target); err != nil {
			return err
		}
	}
	m.rebuild()
	return nil
}

func (m *MergeIter) Close() error {
	var err error
	for _, it := range m.iters {
		err = multierr.Append(err, it.Close())
	}
	m.heap = nil
	return err
}
