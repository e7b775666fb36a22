package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// ErrInvalidGeometry 输入几何无效
var ErrInvalidGeometry = errors.New("invalid geometry")

// kmPerDegree 赤道处每度对应的公里数
const kmPerDegree = 111.32

type ring struct {
	pts   orb.Ring
	bound orb.Bound
}

// Polygon 裁剪区域，构造后不可变。
// pad 为准入距离(度)：缓冲区与简化误差之和，瓦片框与多边形距离不超过 pad 即视为相交。
type Polygon struct {
	mp     orb.MultiPolygon
	rings  []ring
	bound  orb.Bound
	pad    float64
	buffer float64
}

// NewPolygon 由 Polygon / MultiPolygon / Collection 构造裁剪区域
func NewPolygon(g orb.Geometry) (*Polygon, error) {
	var mp orb.MultiPolygon
	if err := collect(g, &mp); err != nil {
		return nil, err
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("%w: no polygon parts", ErrInvalidGeometry)
	}
	for i, poly := range mp {
		for j, r := range poly {
			r, err := validRing(r)
			if err != nil {
				return nil, fmt.Errorf("%w: part %d ring %d: %v", ErrInvalidGeometry, i, j, err)
			}
			poly[j] = r
		}
	}
	return build(mp, 0, 0), nil
}

func collect(g orb.Geometry, mp *orb.MultiPolygon) error {
	switch v := g.(type) {
	case nil:
		return fmt.Errorf("%w: empty geometry", ErrInvalidGeometry)
	case orb.Polygon:
		if len(v) > 0 {
			*mp = append(*mp, v.Clone())
		}
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 {
				*mp = append(*mp, p.Clone())
			}
		}
	case orb.Collection:
		for _, sub := range v {
			if err := collect(sub, mp); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unsupported geometry type %s", ErrInvalidGeometry, g.GeoJSONType())
	}
	return nil
}

func validRing(r orb.Ring) (orb.Ring, error) {
	for _, p := range r {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return nil, errors.New("non-finite coordinate")
		}
		if p[0] < -180 || p[0] > 180 || p[1] < -90 || p[1] > 90 {
			return nil, fmt.Errorf("coordinate %v out of range", p)
		}
	}
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	if len(r) < 4 {
		return nil, fmt.Errorf("ring has %d points, need at least 4", len(r))
	}
	return r, nil
}

func build(mp orb.MultiPolygon, pad, buffer float64) *Polygon {
	p := &Polygon{mp: mp, pad: pad, buffer: buffer}
	for _, poly := range mp {
		for _, r := range poly {
			p.rings = append(p.rings, ring{pts: r, bound: r.Bound()})
		}
	}
	p.bound = mp.Bound().Pad(buffer)
	return p
}

// Bound 外包框(含缓冲区)
func (p *Polygon) Bound() orb.Bound {
	return p.bound
}

// Centroid 面积加权质心
func (p *Polygon) Centroid() orb.Point {
	c, _ := planar.CentroidArea(p.mp)
	return c
}

// Area 平面面积(平方度)，不含缓冲区
func (p *Polygon) Area() float64 {
	return planar.Area(p.mp)
}

// Vertices 顶点总数
func (p *Polygon) Vertices() int {
	n := 0
	for _, r := range p.rings {
		n += len(r.pts)
	}
	return n
}

// Buffer 向外扩展 deg 度，返回新的区域
func (p *Polygon) Buffer(deg float64) *Polygon {
	if deg <= 0 {
		return p
	}
	return build(p.mp, p.pad+deg, p.buffer+deg)
}

// Simplify 以 Douglas-Peucker 简化各环，并把容差计入准入距离，
// 所以简化结果只会多收瓦片，不会漏掉。退化的环保留原始顶点。
func (p *Polygon) Simplify(tolerance float64) *Polygon {
	if tolerance <= 0 {
		return p
	}
	dp := simplify.DouglasPeucker(tolerance)
	mp := make(orb.MultiPolygon, 0, len(p.mp))
	for _, poly := range p.mp {
		sp := make(orb.Polygon, 0, len(poly))
		for _, r := range poly {
			s := dp.Ring(r.Clone())
			if len(s) < 4 {
				s = r
			}
			sp = append(sp, s)
		}
		mp = append(mp, sp)
	}
	s := build(mp, p.pad+tolerance, p.buffer)
	// 简化后的顶点是原顶点的子集，外包框沿用原区域
	s.bound = p.bound
	return s
}

// Intersects 判断经纬度矩形 b 是否与区域相交
func (p *Polygon) Intersects(b orb.Bound) bool {
	if !p.bound.Pad(p.pad - p.buffer).Intersects(b) {
		return false
	}
	for _, r := range p.rings {
		if !r.bound.Pad(p.pad).Intersects(b) {
			continue
		}
		for i := 0; i+1 < len(r.pts); i++ {
			if segmentBoundDistance(r.pts[i], r.pts[i+1], b) <= p.pad {
				return true
			}
		}
	}
	// 没有边触及矩形：矩形整体在区域内或区域外
	return planar.MultiPolygonContains(p.mp, b.Min)
}

// KmToDegrees 近似换算：在给定纬度上 km 对应的经度度数
func KmToDegrees(km, lat float64) float64 {
	return km / (kmPerDegree * math.Cos(lat*math.Pi/180))
}

func segmentBoundDistance(a, c orb.Point, b orb.Bound) float64 {
	if segmentCrossesBound(a, c, b) {
		return 0
	}
	d := math.Min(pointBoundDistance(a, b), pointBoundDistance(c, b))
	corners := [4]orb.Point{b.Min, {b.Max[0], b.Min[1]}, b.Max, {b.Min[0], b.Max[1]}}
	for _, q := range corners {
		d = math.Min(d, planar.DistanceFromSegment(a, c, q))
	}
	return d
}

// segmentCrossesBound Liang-Barsky 线段裁剪
func segmentCrossesBound(a, c orb.Point, b orb.Bound) bool {
	t0, t1 := 0.0, 1.0
	dx, dy := c[0]-a[0], c[1]-a[1]
	ps := [4]float64{-dx, dx, -dy, dy}
	qs := [4]float64{a[0] - b.Min[0], b.Max[0] - a[0], a[1] - b.Min[1], b.Max[1] - a[1]}
	for i, pi := range ps {
		qi := qs[i]
		if pi == 0 {
			if qi < 0 {
				return false
			}
			continue
		}
		r := qi / pi
		if pi < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
	}
	return true
}

func pointBoundDistance(p orb.Point, b orb.Bound) float64 {
	dx := math.Max(math.Max(b.Min[0]-p[0], 0), p[0]-b.Max[0])
	dy := math.Max(math.Max(b.Min[1]-p[1], 0), p[1]-b.Max[1])
	return math.Hypot(dx, dy)
}
