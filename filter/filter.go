package filter

// 块级过滤器. 数据块写入时收集 key 生成 bitmap，读取时借助 bitmap 跳过一定不包含 key 的数据块
// Exist 只依赖传入的 bitmap，与收集过的 key 无关
type Filter interface {
	Add(key []byte)                // 收集一个 key
	Exist(bitmap, key []byte) bool // 返回 false 时 key 一定不存在
	Hash() []byte                  // 基于已收集的 key 生成 bitmap
	Reset()                        // 清空已收集的 key
	KeyLen() int                   // 已收集的 key 个数
}
