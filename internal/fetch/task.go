package fetch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

// Constants representing TileFormat types
const (
	PNG  = "png"
	JPG  = "jpg"
	WEBP = "webp"
	PBF  = "pbf"
)

// Status 单个瓦片的最终结果
type Status int

const (
	Fetched Status = iota
	NotFound
	Failed
)

func (s Status) String() string {
	switch s {
	case Fetched:
		return "fetched"
	case NotFound:
		return "not_found"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Task 下载任务：瓦片坐标加请求参数
type Task struct {
	Tile    maptile.Tile
	Service string
	Style   string
	Format  string
	// Template 非空时覆盖默认地址，支持 {service} {style} {z} {x} {y} {format}
	Template string
}

// URL 获取瓦片地址
func (t Task) URL() string {
	tpl := t.Template
	if tpl == "" {
		tpl = DefaultTemplate(t.Format)
	}
	url := strings.Replace(tpl, "{service}", strings.TrimRight(t.Service, "/"), -1)
	url = strings.Replace(url, "{style}", t.Style, -1)
	url = strings.Replace(url, "{format}", t.Format, -1)
	url = strings.Replace(url, "{x}", strconv.Itoa(int(t.Tile.X)), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(int(t.Tile.Y)), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(int(t.Tile.Z)), -1)
	return url
}

// DefaultTemplate tileserver-gl 的栅格/矢量瓦片路径
func DefaultTemplate(format string) string {
	if format == PBF {
		return "{service}/data/{style}/{z}/{x}/{y}.pbf"
	}
	return "{service}/styles/{style}/{z}/{x}/{y}.{format}"
}

// NewTasks 为每个瓦片生成一个任务
func NewTasks(tiles []maptile.Tile, cfg Config) []Task {
	tasks := make([]Task, len(tiles))
	for i, t := range tiles {
		tasks[i] = Task{
			Tile:     t,
			Service:  cfg.Service,
			Style:    cfg.Style,
			Format:   cfg.Format,
			Template: cfg.Template,
		}
	}
	return tasks
}

// Outcome 任务结果
type Outcome struct {
	Task     Task
	Status   Status
	Data     []byte
	Err      error
	Attempts int
	Elapsed  time.Duration
}

func (o Outcome) String() string {
	t := o.Task.Tile
	if o.Err != nil {
		return fmt.Sprintf("tile(z:%d, x:%d, y:%d) %s after %d attempts: %v", t.Z, t.X, t.Y, o.Status, o.Attempts, o.Err)
	}
	return fmt.Sprintf("tile(z:%d, x:%d, y:%d) %s, %dms, %.2f kb", t.Z, t.X, t.Y, o.Status, o.Elapsed.Milliseconds(), float32(len(o.Data))/1024.0)
}
