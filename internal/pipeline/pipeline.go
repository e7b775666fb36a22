// Package pipeline 串联区域裁剪、瓦片枚举、下载与打包
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"cliptiler/internal/fetch"
	"cliptiler/internal/geom"
	"cliptiler/internal/mbtiles"
	"cliptiler/internal/tilegrid"
)

var (
	// ErrNoTiles 区域在级别范围内不覆盖任何瓦片
	ErrNoTiles = errors.New("no tiles intersect the region")
	// ErrNothingFetched 一个瓦片都没有下载成功
	ErrNothingFetched = errors.New("no tiles were fetched")
)

// State 运行状态
type State int32

const (
	Idle State = iota
	PolygonLoaded
	Enumerated
	Fetching
	Finalized
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PolygonLoaded:
		return "polygon_loaded"
	case Enumerated:
		return "enumerated"
	case Fetching:
		return "fetching"
	case Finalized:
		return "finalized"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// DefaultReportEvery 每处理多少个结果输出一次进度
const DefaultReportEvery = 500

// Config 单个区域的运行参数
type Config struct {
	Name        string
	Description string
	Output      string
	MinZoom     int
	MaxZoom     int
	BufferKm    float64
	BatchSize   int
	ReportEvery int
	Fetch       fetch.Config
}

// Progress 进度条，gopkg.in/cheggaaa/pb.v1 的 *ProgressBar 即满足
type Progress interface {
	Increment() int
	Finish()
}

type nopProgress struct{}

func (nopProgress) Increment() int { return 0 }
func (nopProgress) Finish()        {}

// Option 运行选项
type Option func(*Pipeline)

// WithLogger 设置日志
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProgress 瓦片总数确定后创建进度条
func WithProgress(fn func(name string, total int) Progress) Option {
	return func(p *Pipeline) {
		p.progress = fn
	}
}

// Pipeline 单个区域的一次运行，不可复用
type Pipeline struct {
	cfg      Config
	id       string
	log      logrus.FieldLogger
	progress func(name string, total int) Progress
	state    atomic.Int32
}

// New 创建运行实例
func New(cfg Config, opts ...Option) *Pipeline {
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = DefaultReportEvery
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = mbtiles.DefaultBatchSize
	}
	id, err := shortid.Generate()
	if err != nil {
		id = fmt.Sprintf("%x", time.Now().UnixNano())
	}
	p := &Pipeline{cfg: cfg, id: id, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithFields(logrus.Fields{"run": p.id, "region": cfg.Name})
	return p
}

// ID 运行编号
func (p *Pipeline) ID() string {
	return p.id
}

// State 当前状态
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) set(s State) {
	p.state.Store(int32(s))
	p.log.Debugf("state -> %s", s)
}

func (p *Pipeline) abort(stats Stats, start time.Time, err error) (Stats, error) {
	p.set(Aborted)
	stats.Elapsed = time.Since(start)
	p.log.Errorf("aborted, details: %s", err)
	return stats, err
}

// Run 执行一次完整运行：枚举、就绪检查、并发下载、写入容器。
// 单个瓦片的失败只计入统计，不会中止运行。
func (p *Pipeline) Run(ctx context.Context, poly *geom.Polygon) (Stats, error) {
	start := time.Now()
	var stats Stats
	if p.State() != Idle {
		return stats, fmt.Errorf("pipeline %s already used (state %s)", p.id, p.State())
	}
	if poly == nil {
		return p.abort(stats, start, fmt.Errorf("%w: nil polygon", geom.ErrInvalidGeometry))
	}
	p.set(PolygonLoaded)

	levels, err := tilegrid.Levels(poly, p.cfg.MinZoom, p.cfg.MaxZoom, p.cfg.BufferKm)
	if err != nil {
		return p.abort(stats, start, err)
	}
	var tiles []maptile.Tile
	candidates := 0
	for _, l := range levels {
		p.log.WithField("zoom", l.Zoom).Debugf("%d tiles of %d candidates", len(l.Tiles), l.Candidates)
		candidates += l.Candidates
		tiles = append(tiles, l.Tiles...)
	}
	stats.Total = len(tiles)
	p.set(Enumerated)
	p.log.Infof("zoom %d-%d, %d tiles (bbox would need %d)", p.cfg.MinZoom, p.cfg.MaxZoom, len(tiles), candidates)
	if len(tiles) == 0 {
		return p.abort(stats, start, ErrNoTiles)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := fetch.New(p.cfg.Fetch, p.log)
	fcfg := sched.Config()
	p.set(Fetching)
	outcomes, err := sched.RunAll(ctx, fetch.NewTasks(tiles, fcfg))
	if err != nil {
		return p.abort(stats, start, err)
	}

	store, err := mbtiles.Open(p.cfg.Output, p.metadata(poly, fcfg.Format),
		mbtiles.WithBatchSize(p.cfg.BatchSize), mbtiles.WithLogger(p.log))
	if err != nil {
		cancel()
		drain(outcomes)
		return p.abort(stats, start, err)
	}

	bar := p.newProgress(len(tiles))
	for o := range outcomes {
		stats.Add(o)
		switch o.Status {
		case fetch.Fetched:
			err = store.Put(o.Task.Tile, o.Data)
		case fetch.Failed:
			p.log.Debugf("%s", o)
		}
		if err != nil {
			cancel()
			drain(outcomes)
			bar.Finish()
			if cerr := store.Close(); cerr != nil {
				p.log.Warnf("close %s, details: %s", p.cfg.Output, cerr)
			}
			if rerr := mbtiles.Remove(p.cfg.Output); rerr != nil {
				p.log.Warnf("remove %s, details: %s", p.cfg.Output, rerr)
			}
			return p.abort(stats, start, err)
		}
		bar.Increment()
		if done := stats.Done(); done%int64(p.cfg.ReportEvery) == 0 {
			stats.Elapsed = time.Since(start)
			p.log.Infof("progress %s, %d pending commit", stats, store.Pending())
		}
	}
	bar.Finish()

	if err := store.Close(); err != nil {
		if rerr := mbtiles.Remove(store.Path()); rerr != nil {
			p.log.Warnf("remove %s, details: %s", store.Path(), rerr)
		}
		return p.abort(stats, start, err)
	}
	p.set(Finalized)
	stats.Stored = store.Written()
	stats.Elapsed = time.Since(start)
	p.log.Infof("finished %s, %s, %d stored", store.Path(), stats, stats.Stored)

	if err := ctx.Err(); err != nil {
		// 被中断：容器已关闭，但内容不完整
		return stats, fmt.Errorf("interrupted: %w", err)
	}
	if stats.Failed > 0 {
		p.log.Warnf("%d tiles failed and are missing from %s, run again to download them", stats.Failed, store.Path())
	}
	if stats.Fetched == 0 {
		return stats, ErrNothingFetched
	}
	return stats, nil
}

func (p *Pipeline) newProgress(total int) Progress {
	if p.progress == nil {
		return nopProgress{}
	}
	if bar := p.progress(p.cfg.Name, total); bar != nil {
		return bar
	}
	return nopProgress{}
}

func (p *Pipeline) metadata(poly *geom.Polygon, format string) mbtiles.Metadata {
	region := poly
	if p.cfg.BufferKm > 0 {
		region = poly.Buffer(geom.KmToDegrees(p.cfg.BufferKm, poly.Centroid()[1]))
	}
	return mbtiles.Metadata{
		Name:        p.cfg.Name,
		Description: p.cfg.Description,
		Format:      format,
		Bounds:      region.Bound(),
		Center:      poly.Centroid(),
		MinZoom:     p.cfg.MinZoom,
		MaxZoom:     p.cfg.MaxZoom,
	}
}

func drain(ch <-chan fetch.Outcome) {
	for range ch {
	}
}
