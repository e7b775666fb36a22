// Package server 以 HTTP 方式预览已生成的瓦片容器
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"

	"cliptiler/internal/mbtiles"
)

// TileSource 只读瓦片来源，*mbtiles.Reader 即满足
type TileSource interface {
	Tile(t maptile.Tile) ([]byte, error)
	Metadata() (map[string]string, error)
}

// Tileset 目录中的一个瓦片集
type Tileset struct {
	// Name 路由中使用的名称，一般为不含扩展名的文件名
	Name   string
	Source TileSource
	// Size 容器文件字节数
	Size int64

	meta  map[string]string
	tiles *int64
}

// counter 能报告瓦片总数的来源，*mbtiles.Reader 即满足
type counter interface {
	Count() (int64, error)
}

func (t *Tileset) format() string {
	if f := t.meta["format"]; f != "" {
		return f
	}
	return "png"
}

// clipped 按多边形裁剪的容器，缺失瓦片属于正常情况
func (t *Tileset) clipped() bool {
	return t.meta["clip_type"] == "polygon"
}

var contentTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"pbf":  "application/x-protobuf",
}

type handler struct {
	sets   []*Tileset
	byName map[string]*Tileset
	log    logrus.FieldLogger
}

// New 创建路由：
//
//	GET /                      瓦片集列表
//	GET /:tileset/metadata     瓦片集描述
//	GET /:tileset/:z/:x/:y     瓦片
func New(sets []Tileset, log logrus.FieldLogger) (*gin.Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &handler{byName: make(map[string]*Tileset, len(sets)), log: log}
	for i := range sets {
		ts := sets[i]
		if ts.Name == "" {
			return nil, errors.New("tileset without a name")
		}
		if _, ok := h.byName[ts.Name]; ok {
			return nil, fmt.Errorf("duplicate tileset %q", ts.Name)
		}
		// 元数据在容器生成后不再变化，只读一次
		meta, err := ts.Source.Metadata()
		if err != nil {
			return nil, fmt.Errorf("tileset %s: %w", ts.Name, err)
		}
		ts.meta = meta
		if c, ok := ts.Source.(counter); ok {
			if n, err := c.Count(); err == nil {
				ts.tiles = &n
			} else {
				log.Warnf("count tiles of %s, details: %s", ts.Name, err)
			}
		}
		h.sets = append(h.sets, &ts)
		h.byName[ts.Name] = &ts
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequest)
	r.GET("/", h.list)
	r.GET("/:tileset/metadata", h.metadata)
	r.GET("/:tileset/:z/:x/:y", h.tile)
	return r, nil
}

func (h *handler) logRequest(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

func (h *handler) lookup(c *gin.Context) (*Tileset, bool) {
	name := c.Param("tileset")
	ts, ok := h.byName[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("tileset %q not found", name)})
	}
	return ts, ok
}

type summary struct {
	Name        string  `json:"name"`
	Filename    string  `json:"filename"`
	SizeBytes   int64   `json:"sizeBytes"`
	SizeMB      float64 `json:"sizeMB"`
	Format      string  `json:"format"`
	Bounds      *string `json:"bounds"`
	Center      *string `json:"center"`
	MinZoom     *int    `json:"minzoom"`
	MaxZoom     *int    `json:"maxzoom"`
	Description *string `json:"description"`
	Tiles       *int64  `json:"tiles"`
}

func (h *handler) list(c *gin.Context) {
	list := make([]summary, 0, len(h.sets))
	for _, ts := range h.sets {
		list = append(list, summary{
			Name:        ts.Name,
			Filename:    ts.Name + ".mbtiles",
			SizeBytes:   ts.Size,
			SizeMB:      float64(ts.Size*100/(1<<20)) / 100,
			Format:      ts.format(),
			Bounds:      text(ts.meta, "bounds"),
			Center:      text(ts.meta, "center"),
			MinZoom:     integer(ts.meta, "minzoom"),
			MaxZoom:     integer(ts.meta, "maxzoom"),
			Description: text(ts.meta, "description"),
			Tiles:       ts.tiles,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tilesets": list})
}

type description struct {
	Name        string    `json:"name"`
	Format      string    `json:"format"`
	Bounds      []float64 `json:"bounds"`
	Center      []float64 `json:"center"`
	MinZoom     *int      `json:"minzoom"`
	MaxZoom     *int      `json:"maxzoom"`
	Description *string   `json:"description"`
	Attribution *string   `json:"attribution"`
	Type        *string   `json:"type"`
	Version     *string   `json:"version"`
	ClipType    *string   `json:"clip_type"`
}

func (h *handler) metadata(c *gin.Context) {
	ts, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, description{
		Name:        ts.Name,
		Format:      ts.format(),
		Bounds:      numbers(ts.meta["bounds"]),
		Center:      numbers(ts.meta["center"]),
		MinZoom:     integer(ts.meta, "minzoom"),
		MaxZoom:     integer(ts.meta, "maxzoom"),
		Description: text(ts.meta, "description"),
		Attribution: text(ts.meta, "attribution"),
		Type:        text(ts.meta, "type"),
		Version:     text(ts.meta, "version"),
		ClipType:    text(ts.meta, "clip_type"),
	})
}

func (h *handler) tile(c *gin.Context) {
	y := c.Param("y")
	ext := ""
	if i := strings.IndexByte(y, '.'); i >= 0 {
		y, ext = y[:i], y[i+1:]
	}
	tile, ok := parseTile(c.Param("z"), c.Param("x"), y)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tile coordinate"})
		return
	}
	ts, ok := h.lookup(c)
	if !ok {
		return
	}
	format := ts.format()
	if ext != "" && ext != format && !(format == "jpg" && ext == "jpeg") {
		c.JSON(http.StatusNotFound, gin.H{"error": "tileset holds " + format + " tiles"})
		return
	}

	c.Header("Access-Control-Allow-Origin", "*")
	data, err := ts.Source.Tile(tile)
	if errors.Is(err, mbtiles.ErrTileNotFound) {
		// 裁剪区域外的瓦片本就不存在，返回空响应让客户端留白
		if ts.clipped() {
			c.Status(http.StatusNoContent)
		} else {
			c.Status(http.StatusNotFound)
		}
		return
	}
	if err != nil {
		h.log.Errorf("read tile %s/%v, details: %s", ts.Name, tile, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if format == "pbf" {
		c.Header("Content-Encoding", "gzip")
	}
	contentType, ok := contentTypes[format]
	if !ok {
		contentType = "application/octet-stream"
	}
	// 容器生成后瓦片不再变化
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, contentType, data)
}

func parseTile(zs, xs, ys string) (maptile.Tile, bool) {
	z, err := strconv.ParseUint(zs, 10, 8)
	if err != nil || z > 30 {
		return maptile.Tile{}, false
	}
	x, err := strconv.ParseUint(xs, 10, 32)
	if err != nil || x >= 1<<z {
		return maptile.Tile{}, false
	}
	y, err := strconv.ParseUint(ys, 10, 32)
	if err != nil || y >= 1<<z {
		return maptile.Tile{}, false
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), true
}

func text(meta map[string]string, key string) *string {
	v, ok := meta[key]
	if !ok || v == "" {
		return nil
	}
	return &v
}

func integer(meta map[string]string, key string) *int {
	n, err := strconv.Atoi(meta[key])
	if err != nil {
		return nil
	}
	return &n
}

// numbers 解析逗号分隔的数值，格式不对时返回 nil
func numbers(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}
