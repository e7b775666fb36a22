package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	pb "gopkg.in/cheggaaa/pb.v1"

	"cliptiler/internal/geom"
	"cliptiler/internal/pipeline"
	"cliptiler/internal/tilegrid"
)

// result 单个区域的运行结果
type result struct {
	name    string
	run     string
	output  string
	skipped bool
	stats   pipeline.Stats
	err     error
}

// InitTask 依次生成各区域的瓦片包，已完成的区域跳过
func InitTask(ctx context.Context, regions []Region) error {
	start := time.Now()

	journal, err := pipeline.OpenJournal(conf.BreakPoint.SaveFilePath)
	if err != nil {
		return err
	}
	defer journal.Close()
	log.Infof("break point file %s, %d finished archive(s) on record", conf.BreakPoint.SaveFilePath, journal.Len())

	results := make([]result, 0, len(regions))
	for _, r := range regions {
		if ctx.Err() != nil {
			log.Warnf("task canceled, %d region(s) not started", len(regions)-len(results))
			break
		}
		res := runRegion(ctx, r, journal)
		results = append(results, res)
	}

	failed := 0
	for _, res := range results {
		switch {
		case res.skipped:
			log.Infof("%-20s skipped, %s already generated", res.name, res.output)
		case res.err != nil:
			failed++
			log.Errorf("%-20s failed: %s", res.name, res.err)
		default:
			log.Infof("%-20s [%s] %s, %d stored -> %s (%s)", res.name, res.run, res.stats, res.stats.Stored, res.output, fileSize(res.output))
		}
	}
	log.Infof("%d region(s), %d failed, %.3fs finished...", len(results), failed, time.Since(start).Seconds())

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d region(s) failed", failed, len(results))
	}
	return nil
}

func runRegion(ctx context.Context, r Region, journal *pipeline.Journal) result {
	out := conf.outputPath(r)
	res := result{name: r.Name, output: out}
	if journal.IsDone(out) {
		res.skipped = true
		return res
	}

	poly, err := geom.LoadFile(r.Geojson)
	if err != nil {
		res.err = err
		return res
	}
	minZoom, maxZoom := conf.zoomRange(r)
	log.Infof("region %s: %s, %d vertices, area %.4f deg², zoom %d-%d, buffer %.1f km",
		r.Name, r.Geojson, poly.Vertices(), poly.Area(), minZoom, maxZoom, conf.buffer(r))

	p := pipeline.New(pipeline.Config{
		Name:        r.Name,
		Description: r.Description,
		Output:      out,
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		BufferKm:    conf.buffer(r),
		BatchSize:   conf.Task.BatchSize,
		ReportEvery: conf.Task.ReportEvery,
		Fetch:       conf.fetchConfig(),
	}, pipeline.WithLogger(log), pipeline.WithProgress(newBar))

	res.run = p.ID()
	res.stats, res.err = p.Run(ctx, poly)
	if res.err != nil {
		return res
	}
	// 有失败瓦片的区域不记入断点，下次运行重新生成
	if res.stats.Failed > 0 {
		log.Warnf("region %s: %d tiles failed, %s not recorded as finished, run again to rebuild it", r.Name, res.stats.Failed, out)
		return res
	}
	if err := journal.MarkDone(out); err != nil {
		log.Warnf("record %s in break point file, details: %s", out, err)
	}
	return res
}

// fileSize 可读的文件大小
func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "size unknown"
	}
	return fmt.Sprintf("%.2f MB", float64(info.Size())/(1<<20))
}

func newBar(name string, total int) pipeline.Progress {
	bar := pb.New(total).Prefix(fmt.Sprintf("%s : ", name))
	bar.SetRefreshRate(time.Second)
	bar.ShowSpeed = true
	bar.NotPrint = !conf.Output.OutputTerminal
	return bar.Start()
}

// CountTask 只统计各级别瓦片数，不下载
func CountTask(regions []Region) error {
	var errs []error
	for _, r := range regions {
		poly, err := geom.LoadFile(r.Geojson)
		if err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", r.Name, err))
			continue
		}
		minZoom, maxZoom := conf.zoomRange(r)
		levels, err := tilegrid.Levels(poly, minZoom, maxZoom, conf.buffer(r))
		if err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", r.Name, err))
			continue
		}
		tiles, candidates := 0, 0
		for _, l := range levels {
			log.Infof("%s zoom: %d, tiles: %d, bbox: %d", r.Name, l.Zoom, len(l.Tiles), l.Candidates)
			tiles += len(l.Tiles)
			candidates += l.Candidates
		}
		saved := 0.0
		if candidates > 0 {
			saved = 100 * float64(candidates-tiles) / float64(candidates)
		}
		log.Infof("%s total: %d tiles, bbox would need %d (%.1f%% saved)", r.Name, tiles, candidates, saved)
	}
	return multierr.Combine(errs...)
}
