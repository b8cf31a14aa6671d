package minibase

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/iterator"
	"github.com/xiaoxuxiansheng/minibase/memtable"
	"github.com/xiaoxuxiansheng/minibase/record"
	"github.com/xiaoxuxiansheng/minibase/wal"
)

// 1 基于 config 与磁盘文件构造存储引擎
// 2 写入、删除一笔数据
// 3 点查与范围查询
type Tree struct {
	conf   *Config
	logger *zap.Logger

	// 每笔写入分配一个递增的 sequence id
	seq atomic.Uint64

	pool      *ants.Pool
	walLog    *wal.Log // 关闭预写日志时为空
	diskStore *DiskStore
	memStore  *memtable.MemStore
	compactor *Compactor

	closeOnce sync.Once
	closeErr  error
}

// 构建存储引擎实例
func NewTree(conf *Config) (_ *Tree, err error) {
	t := Tree{
		conf:   conf,
		logger: conf.Logger.Named("tree"),
	}
	defer func() {
		if err != nil {
			_ = t.release()
		}
	}()

	// 1 打开磁盘文件，清理遗留的临时文件
	if t.diskStore, err = OpenDiskStore(conf); err != nil {
		return nil, err
	}

	// 2 以磁盘上最大的 sequence id 作为起点
	maxSeq, err := t.diskStore.MaxSequenceID()
	if err != nil {
		return nil, err
	}

	// 3 构造 memstore，溢写任务交给协程池执行
	if t.pool, err = newFlushPool(conf); err != nil {
		return nil, err
	}
	opts := memtable.Options{
		MaxSize:    conf.MaxMemStoreSize,
		MaxRetries: conf.MaxFlushRetries,
		Flusher:    NewDiskStoreFlusher(conf, t.diskStore),
		Pool:       t.pool,
		Logger:     conf.Logger,
		Sequence:   &t.seq,
	}
	if conf.EnableWAL {
		if t.walLog, err = wal.Open(conf.WALDir(), conf.Logger); err != nil {
			return nil, err
		}
		opts.Journal = t.walLog
	}
	t.memStore = memtable.NewMemStore(opts)

	// 4 重放预写日志还原 memstore
	if t.walLog != nil {
		err = t.walLog.Replay(func(r *record.Record) error {
			t.memStore.Replay(r)
			if r.SequenceID > maxSeq {
				maxSeq = r.SequenceID
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	t.seq.Store(maxSeq)
	t.memStore.MaybeFlush()

	// 5 运行后台合并协程
	t.compactor = NewCompactor(conf, t.diskStore)
	t.compactor.Start()

	t.logger.Info("tree opened",
		zap.String("dir", conf.Dir),
		zap.Int("disk_files", t.diskStore.Count()),
		zap.Uint64("sequence_id", maxSeq),
	)
	return &t, nil
}

// 写入一组 kv 对
func (t *Tree) Put(key, value []byte) error {
	return t.add(record.NewPut(clone(key), clone(value), 0))
}

// 删除一个 key，写入一笔删除标记
func (t *Tree) Delete(key []byte) error {
	return t.add(record.NewDelete(clone(key), 0))
}

// 序列号由 memstore 在写入时分配
func (t *Tree) add(r *record.Record) error {
	// 无法写入任何数据块的数据直接拒绝，否则会导致溢写永久失败
	if size := r.SerializeSize(); size+KVCountLen+ChecksumLen >= t.conf.BlockSizeUpLimit {
		return fmt.Errorf("%w: record size %d, limit %d", ErrRecordTooLarge, size, t.conf.BlockSizeUpLimit)
	}
	return t.memStore.Add(r)
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

// 根据 key 读取数据. 借助布隆过滤器跳过一定不包含该 key 的文件
// 1 读取 memstore 中最新的一笔
// 2 在可能包含 key 的磁盘文件中读取最新的一笔
// 3 二者中较新的一笔生效，删除标记表示不存在
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	// 与 Scan 相同，先读 memstore 再获取磁盘文件
	latest, _ := t.memStore.Get(key)
	files := t.diskStore.AcquireFiles()
	defer func() { _ = t.diskStore.ReleaseFiles(files) }()

	candidates := make([]*DiskFile, 0, len(files))
	for _, file := range files {
		if file.MayContain(key) {
			candidates = append(candidates, file)
		}
	}
	if len(candidates) > 0 {
		it, err := t.diskStore.CreateIterator(candidates)
		if err != nil {
			return nil, false, err
		}
		defer it.Close()
		if err = it.SeekTo(record.NewDelete(key, ^uint64(0))); err != nil {
			return nil, false, err
		}
		if it.Valid() && bytes.Equal(it.Record().Key, key) && (latest == nil || record.Less(it.Record(), latest)) {
			latest = it.Record()
		}
	}

	if latest == nil || latest.Op == record.Delete {
		return nil, false, nil
	}
	return latest.Value, true, nil
}

// 范围查询 [start, end). start 为空表示从头开始，end 为空表示不设上界
// 调用方需要 Close 返回的迭代器
func (t *Tree) Scan(start, end []byte) (*ScanIter, error) {
	// memstore 先于磁盘文件获取，溢写完成前后的数据都能被看到
	memIt := t.memStore.CreateIterator()
	diskIt, err := t.diskStore.CreateFullIterator()
	if err != nil {
		_ = memIt.Close()
		return nil, err
	}

	it := iterator.NewMergeIter(memIt, diskIt)
	scanIter, err := newScanIter(it, start, end)
	if err != nil {
		_ = it.Close()
		return nil, err
	}
	return scanIter, nil
}

// 立即执行一次全量合并
func (t *Tree) Compact() error {
	return t.compactor.Compact()
}

// 关闭存储引擎. 不会主动溢写 memstore，未落盘的数据依赖预写日志恢复
func (t *Tree) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.release()
	})
	return t.closeErr
}

// 1 停止合并协程
// 2 等待进行中的溢写任务
// 3 关闭预写日志与磁盘文件
func (t *Tree) release() error {
	if t.compactor != nil {
		t.compactor.Stop()
	}
	var err error
	if t.pool != nil {
		err = multierr.Append(err, t.pool.ReleaseTimeout(poolReleaseTimeout))
	}
	if t.walLog != nil {
		err = multierr.Append(err, t.walLog.Close())
	}
	if t.diskStore != nil {
		err = multierr.Append(err, t.diskStore.Close())
	}
	return err
}

// 关闭时等待进行中的溢写任务的最长时间
const poolReleaseTimeout = time.Minute

func newFlushPool(conf *Config) (*ants.Pool, error) {
	logger := conf.Logger.Named("pool")
	return ants.NewPool(conf.MaxThreadPoolSize,
		ants.WithLogger(zap.NewStdLog(logger)),
		ants.WithPanicHandler(func(v any) {
			logger.Error("flush task panic", zap.Any("panic", v))
		}),
	)
}
