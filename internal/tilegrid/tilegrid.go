// Package tilegrid 计算与裁剪区域相交的瓦片集合
package tilegrid

import (
	"fmt"
	"math"
	"runtime"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"

	"cliptiler/internal/geom"
)

const (
	// ZoomMin 最小级别
	ZoomMin = 0
	// ZoomMax 最大级别
	ZoomMax = 30
	// SimplifyBelowZoom 低于该级别时使用简化后的多边形
	SimplifyBelowZoom = 10
	// SimplifyTolerance 简化容差(度)
	SimplifyTolerance = 0.01
)

// Level 单个级别的结果
type Level struct {
	Zoom       maptile.Zoom
	Tiles      []maptile.Tile
	Candidates int
}

// Enumerate 返回按 zoom、列、行升序排列的相交瓦片
func Enumerate(p *geom.Polygon, minZoom, maxZoom int, bufferKm float64) ([]maptile.Tile, error) {
	levels, err := Levels(p, minZoom, maxZoom, bufferKm)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, l := range levels {
		n += len(l.Tiles)
	}
	tiles := make([]maptile.Tile, 0, n)
	for _, l := range levels {
		tiles = append(tiles, l.Tiles...)
	}
	return tiles, nil
}

// Levels 逐级计算，各级别并行，结果按级别顺序返回
func Levels(p *geom.Polygon, minZoom, maxZoom int, bufferKm float64) ([]Level, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil polygon", geom.ErrInvalidGeometry)
	}
	if minZoom < ZoomMin || maxZoom > ZoomMax || minZoom > maxZoom {
		return nil, fmt.Errorf("invalid zoom range %d-%d: must satisfy %d <= min <= max <= %d",
			minZoom, maxZoom, ZoomMin, ZoomMax)
	}

	region := p
	if bufferKm > 0 {
		region = p.Buffer(geom.KmToDegrees(bufferKm, p.Centroid()[1]))
	}
	simple := region.Simplify(SimplifyTolerance)

	levels := make([]Level, maxZoom-minZoom+1)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for z := minZoom; z <= maxZoom; z++ {
		z := z
		check := region
		if z < SimplifyBelowZoom {
			check = simple
		}
		g.Go(func() error {
			levels[z-minZoom] = enumerateZoom(check, maptile.Zoom(z))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return levels, nil
}

func enumerateZoom(p *geom.Polygon, z maptile.Zoom) Level {
	b := p.Bound()
	xMin, xMax := LonToTile(b.Left(), z), LonToTile(b.Right(), z)
	yMin, yMax := LatToTile(b.Top(), z), LatToTile(b.Bottom(), z)

	l := Level{Zoom: z, Candidates: int(xMax-xMin+1) * int(yMax-yMin+1)}
	for x := xMin; x <= xMax; x++ {
		for y := yMin; y <= yMax; y++ {
			t := maptile.New(x, y, z)
			if p.Intersects(t.Bound()) {
				l.Tiles = append(l.Tiles, t)
			}
		}
	}
	return l
}

// LonToTile 经度转瓦片列号，并限制在 [0, 2^z-1]
func LonToTile(lon float64, z maptile.Zoom) uint32 {
	return clamp((lon+180.0)/360.0*float64(uint64(1)<<z), z)
}

// LatToTile 纬度转瓦片行号(自北向南)，并限制在 [0, 2^z-1]
func LatToTile(lat float64, z maptile.Zoom) uint32 {
	rad := lat * math.Pi / 180
	return clamp((1.0-math.Asinh(math.Tan(rad))/math.Pi)/2.0*float64(uint64(1)<<z), z)
}

func clamp(v float64, z maptile.Zoom) uint32 {
	limit := float64(uint64(1)<<z - 1)
	v = math.Floor(v)
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > limit {
		return uint32(limit)
	}
	return uint32(v)
}
