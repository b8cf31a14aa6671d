package memtable

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/iterator"
	"github.com/xiaoxuxiansheng/minibase/record"
)

var (
	ErrMemTableFull = errors.New("memstore is full and a flush is in progress")
	ErrFlushFailed  = errors.New("memstore flush failed")
)

// 将一份有序快照持久化. 成功返回后快照内的数据必须对读可见
type Flusher interface {
	Flush(it iterator.SeekIter) error
}

// 写入 memstore 前的日志
type Journal interface {
	Append(r *record.Record) error // 追加一笔数据
	Rotate() (uint64, error)       // 封存当前段，返回第一个未封存段的编号
	Release(upTo uint64) error     // 删除编号小于 upTo 的段
}

type Options struct {
	MaxSize    int64      // 溢写阈值，单位 byte
	MaxRetries int        // 溢写的最大尝试次数
	Flusher    Flusher    // 溢写实现
	Pool       *ants.Pool // 执行溢写任务的协程池
	Journal    Journal    // 预写日志，可为空
	Logger     *zap.Logger

	// 序列号分配器，非空时在读锁内为写入的数据分配序列号.
	// 切换快照持写锁，因此快照中的序列号一定小于读写 map 中的序列号
	Sequence *atomic.Uint64
}

type recordMap = skipmap.FuncMap[*record.Record, *record.Record]

// 一张内存表. records 保存全部版本，newest 保存每个 key 最新的一笔，供点查使用
type table struct {
	records *recordMap
	newest  *skipmap.StringMap[*atomic.Pointer[record.Record]]
}

func newTable() *table {
	return &table{
		records: skipmap.NewFunc[*record.Record, *record.Record](record.Less),
		newest:  skipmap.NewString[*atomic.Pointer[record.Record]](),
	}
}

// 相同全序的数据覆盖写入，返回大小的变化量
func (t *table) insert(r *record.Record) int64 {
	delta := int64(r.SerializeSize())
	if old, ok := t.records.Load(r); ok {
		delta -= int64(old.SerializeSize())
	}
	t.records.Store(r, r)

	slot, _ := t.newest.LoadOrStoreLazy(string(r.Key), func() *atomic.Pointer[record.Record] {
		return new(atomic.Pointer[record.Record])
	})
	for {
		old := slot.Load()
		if old != nil && !record.Less(r, old) {
			break
		}
		if slot.CompareAndSwap(old, r) {
			break
		}
	}
	return delta
}

func (t *table) get(key []byte) *record.Record {
	slot, ok := t.newest.Load(string(key))
	if !ok {
		return nil
	}
	return slot.Load()
}

func (t *table) len() int {
	return t.records.Len()
}

func (t *table) toSlice() []*record.Record {
	records := make([]*record.Record, 0, t.records.Len())
	t.records.Range(func(r, _ *record.Record) bool {
		records = append(records, r)
		return true
	})
	return records
}

// 内存有序表. 由一个读写表和至多一个等待溢写的只读快照组成
type MemStore struct {
	opts   Options
	logger *zap.Logger

	// 写入持读锁，切换快照持写锁
	mu       sync.RWMutex
	live     *table
	snapshot *table
	// 快照不再变化，切换时生成一次有序切片供溢写与迭代复用
	snapshotRecords []*record.Record

	// 快照溢写成功后可以释放的日志段
	releaseUpTo uint64

	size     atomic.Int64
	flushing atomic.Bool
	flushErr atomic.Pointer[error]
}

func NewMemStore(opts Options) *MemStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemStore{
		opts:   opts,
		logger: logger.Named("memstore"),
		live:   newTable(),
	}
}

// 写入一笔数据
// 1 溢写失败或者正在溢写且已超过阈值时拒绝写入
// 2 持读锁分配序列号、写日志、写 map
// 3 超过阈值时切换快照并提交溢写任务
func (m *MemStore) Add(r *record.Record) error {
	if p := m.flushErr.Load(); p != nil {
		return fmt.Errorf("%w: %w", ErrFlushFailed, *p)
	}
	if m.size.Load() > m.opts.MaxSize && m.flushing.Load() {
		return ErrMemTableFull
	}

	m.mu.RLock()
	if m.opts.Sequence != nil {
		r.SequenceID = m.opts.Sequence.Add(1)
	}
	if m.opts.Journal != nil {
		if err := m.opts.Journal.Append(r); err != nil {
			m.mu.RUnlock()
			return err
		}
	}
	m.insert(r)
	m.mu.RUnlock()

	m.MaybeFlush()
	return nil
}

// 重放日志时使用，不写日志也不检查阈值
func (m *MemStore) Replay(r *record.Record) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.insert(r)
}

func (m *MemStore) insert(r *record.Record) {
	m.size.Add(m.live.insert(r))
}

// 超过阈值且没有进行中的溢写时，切换快照并异步溢写
func (m *MemStore) MaybeFlush() {
	if !m.startFlush() {
		return
	}
	if err := m.opts.Pool.Submit(m.flush); err != nil {
		// 快照保留在内存中可读，日志段未释放
		m.logger.Warn("submit flush task", zap.Error(err))
	}
}

// 抢占溢写标记并切换快照，返回 true 时由调用方负责溢写快照
func (m *MemStore) startFlush() bool {
	if m.size.Load() <= m.opts.MaxSize {
		return false
	}
	if !m.flushing.CompareAndSwap(false, true) {
		return false
	}

	if err := m.swap(); err != nil {
		m.logger.Error("swap memstore snapshot", zap.Error(err))
		m.flushing.Store(false)
		return false
	}
	return true
}

func (m *MemStore) swap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Journal != nil {
		upTo, err := m.opts.Journal.Rotate()
		if err != nil {
			return err
		}
		m.releaseUpTo = upTo
	}

	m.snapshot = m.live
	m.snapshotRecords = m.live.toSlice()
	m.live = newTable()
	m.size.Store(0)
	return nil
}

// 溢写任务. 溢写期间写入的数据可能已经再次超过阈值，此时在同一个任务中继续溢写，
// 不再向协程池提交新任务
func (m *MemStore) flush() {
	for m.flushSnapshot() && m.startFlush() {
	}
}

// 溢写当前快照. 成功一次即停止重试，全部失败后保留快照并记录错误
func (m *MemStore) flushSnapshot() bool {
	var err error
	for i := 0; i < m.opts.MaxRetries; i++ {
		if err = m.flushOnce(); err == nil {
			break
		}
		m.logger.Warn("flush memstore", zap.Int("attempt", i+1), zap.Error(err))
	}
	if err != nil {
		m.logger.Error("give up flushing memstore", zap.Int("retries", m.opts.MaxRetries), zap.Error(err))
		m.flushErr.Store(&err)
		return false
	}

	m.mu.Lock()
	count := m.snapshot.len()
	m.snapshot, m.snapshotRecords = nil, nil
	upTo := m.releaseUpTo
	m.mu.Unlock()

	if m.opts.Journal != nil {
		if err = m.opts.Journal.Release(upTo); err != nil {
			m.logger.Warn("release journal", zap.Uint64("up_to", upTo), zap.Error(err))
		}
	}
	m.flushing.Store(false)
	m.logger.Info("memstore flushed", zap.Int("records", count))
	return true
}

func (m *MemStore) flushOnce() error {
	m.mu.RLock()
	records := m.snapshotRecords
	m.mu.RUnlock()

	it := iterator.NewSliceIter(records)
	defer it.Close()
	return m.opts.Flusher.Flush(it)
}

// 返回读写表与快照的归并迭代器，读写表优先
func (m *MemStore) CreateIterator() *iterator.MergeIter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iters := []iterator.SeekIter{iterator.NewSliceIter(m.live.toSlice())}
	if m.snapshot != nil {
		iters = append(iters, iterator.NewSliceIter(m.snapshotRecords))
	}
	return iterator.NewMergeIter(iters...)
}

// 返回 key 在内存中最新的一笔数据，可能是删除标记
func (m *MemStore) Get(key []byte) (*record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r := m.live.get(key)
	if m.snapshot != nil {
		if s := m.snapshot.get(key); s != nil && (r == nil || record.Less(s, r)) {
			r = s
		}
	}
	return r, r != nil
}

func (m *MemStore) Size() int64 {
	return m.size.Load()
}

// 是否有溢写任务正在进行或失败后未恢复
func (m *MemStore) Flushing() bool {
	return m.flushing.Load()
}

// 溢写最终失败的原因
func (m *MemStore) FlushErr() error {
	if p := m.flushErr.Load(); p != nil {
		return *p
	}
	return nil
}
