package pipeline

import (
	"fmt"
	"time"

	"cliptiler/internal/fetch"
)

// Stats 运行统计，只用于观测
type Stats struct {
	Total    int
	Fetched  int64
	NotFound int64
	Failed   int64
	// Stored 已提交到容器的瓦片数
	Stored  int64
	Elapsed time.Duration
}

// Add 计入一个结果
func (s *Stats) Add(o fetch.Outcome) {
	switch o.Status {
	case fetch.Fetched:
		s.Fetched++
	case fetch.NotFound:
		s.NotFound++
	default:
		s.Failed++
	}
}

// Done 已得到结果的任务数
func (s Stats) Done() int64 {
	return s.Fetched + s.NotFound + s.Failed
}

// Throughput 每秒处理的结果数
func (s Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Done()) / s.Elapsed.Seconds()
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d (%.0f tiles/s), OK:%d MISS:%d ERR:%d, %.1fs",
		s.Done(), s.Total, s.Throughput(), s.Fetched, s.NotFound, s.Failed, s.Elapsed.Seconds())
}
