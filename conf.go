package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cliptiler/internal/fetch"
	"cliptiler/internal/tilegrid"
)

var conf *Conf

// Region 区域目录中的一项
type Region struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Geojson     string `mapstructure:"geojson"`
	Output      string `mapstructure:"output"`
	// 未设置时使用 [defaults]
	MinZoom *int     `mapstructure:"minZoom"`
	MaxZoom *int     `mapstructure:"maxZoom"`
	Buffer  *float64 `mapstructure:"buffer"`
}

type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Output struct {
		Directory      string `mapstructure:"directory"`
		LogDir         string `mapstructure:"logDir"`
		OutputTerminal bool   `mapstructure:"outputTerminal"`
	} `mapstructure:"output"`
	Service struct {
		URL      string `mapstructure:"url"`
		Style    string `mapstructure:"style"`
		Format   string `mapstructure:"format"`
		Template string `mapstructure:"template"`
	} `mapstructure:"service"`
	Task struct {
		Workers       int           `mapstructure:"workers"`
		Timeout       time.Duration `mapstructure:"timeout"`
		Retries       int           `mapstructure:"retries"`
		Backoff       time.Duration `mapstructure:"backoff"`
		MaxBackoff    time.Duration `mapstructure:"maxBackoff"`
		ReadyTimeout  time.Duration `mapstructure:"readyTimeout"`
		ProbeInterval time.Duration `mapstructure:"probeInterval"`
		ProbeTimeout  time.Duration `mapstructure:"probeTimeout"`
		RateLimit     float64       `mapstructure:"rateLimit"`
		BatchSize     int           `mapstructure:"batchSize"`
		ReportEvery   int           `mapstructure:"reportEvery"`
	} `mapstructure:"task"`
	BreakPoint struct {
		SaveFilePath string `mapstructure:"saveFilePath"`
	} `mapstructure:"breakPoint"`
	Defaults struct {
		MinZoom int     `mapstructure:"minZoom"`
		MaxZoom int     `mapstructure:"maxZoom"`
		Buffer  float64 `mapstructure:"buffer"`
	} `mapstructure:"defaults"`
	Regions []Region `mapstructure:"regions"`
	Serve   struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"serve"`
}

// InitConf 初始化配置：配置文件、.env、环境变量
func InitConf(cfgFile string) error {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env, details: %w", err)
	}

	viper.SetConfigType("toml")
	// 设置默认值
	viper.SetDefault("app.version", "v0.1.0")
	viper.SetDefault("app.title", "cliptiler")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("output.outputTerminal", true)
	viper.SetDefault("service.url", "http://localhost:8080")
	viper.SetDefault("service.style", "basic-preview")
	viper.SetDefault("service.format", fetch.PNG)
	viper.SetDefault("task.workers", 20)
	viper.SetDefault("task.timeout", "15s")
	viper.SetDefault("task.retries", 3)
	viper.SetDefault("task.backoff", "500ms")
	viper.SetDefault("task.maxBackoff", "10s")
	viper.SetDefault("task.readyTimeout", "60s")
	viper.SetDefault("task.probeInterval", "2s")
	viper.SetDefault("task.probeTimeout", "5s")
	viper.SetDefault("task.batchSize", 500)
	viper.SetDefault("task.reportEvery", 500)
	viper.SetDefault("breakPoint.saveFilePath", "output/.done")
	viper.SetDefault("defaults.minZoom", 4)
	viper.SetDefault("defaults.maxZoom", 12)
	viper.SetDefault("defaults.buffer", 2.0)
	viper.SetDefault("serve.addr", ":8081")

	viper.SetEnvPrefix("CLIPTILER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.BindEnv("service.url", "TILESERVER_URL", "CLIPTILER_SERVICE_URL")
	viper.BindEnv("service.style", "TILE_STYLE", "CLIPTILER_SERVICE_STYLE")

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file(%s) error, details: %w", cfgFile, err)
			}
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	conf = new(Conf)
	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config file(%s) error, details: %w", viper.ConfigFileUsed(), err)
	}
	return conf.validate()
}

func (c *Conf) validate() error {
	switch c.Service.Format {
	case fetch.PNG, fetch.JPG, fetch.WEBP, fetch.PBF:
	default:
		return fmt.Errorf("service.format %q must be one of png, jpg, webp, pbf", c.Service.Format)
	}
	if c.Service.URL == "" {
		return errors.New("service.url is empty")
	}
	if c.Task.Workers <= 0 {
		return fmt.Errorf("task.workers must be positive, got %d", c.Task.Workers)
	}
	if c.Task.Retries <= 0 {
		return fmt.Errorf("task.retries must be positive, got %d", c.Task.Retries)
	}
	seen := make(map[string]bool)
	for i, r := range c.Regions {
		if r.Name == "" || r.Geojson == "" {
			return fmt.Errorf("regions[%d]: name and geojson are required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("regions[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if err := c.checkRegion(r); err != nil {
			return fmt.Errorf("region %s: %w", r.Name, err)
		}
	}
	return nil
}

func (c *Conf) checkRegion(r Region) error {
	minZoom, maxZoom := c.zoomRange(r)
	if minZoom < tilegrid.ZoomMin || maxZoom > tilegrid.ZoomMax || minZoom > maxZoom {
		return fmt.Errorf("invalid zoom range %d-%d", minZoom, maxZoom)
	}
	if c.buffer(r) < 0 {
		return fmt.Errorf("negative buffer %.2f km", c.buffer(r))
	}
	return nil
}

func (c *Conf) zoomRange(r Region) (int, int) {
	minZoom, maxZoom := c.Defaults.MinZoom, c.Defaults.MaxZoom
	if r.MinZoom != nil {
		minZoom = *r.MinZoom
	}
	if r.MaxZoom != nil {
		maxZoom = *r.MaxZoom
	}
	return minZoom, maxZoom
}

func (c *Conf) buffer(r Region) float64 {
	if r.Buffer != nil {
		return *r.Buffer
	}
	return c.Defaults.Buffer
}

// outputPath 未指定输出时为 {directory}/{name}.mbtiles，不含目录的文件名同样放到输出目录下
func (c *Conf) outputPath(r Region) string {
	out := r.Output
	if out == "" {
		out = r.Name + ".mbtiles"
	}
	if filepath.IsAbs(out) || filepath.Dir(out) != "." {
		return out
	}
	return filepath.Join(c.Output.Directory, out)
}

// fetchConfig 由 [service] 和 [task] 生成下载配置
func (c *Conf) fetchConfig() fetch.Config {
	return fetch.Config{
		Service:       c.Service.URL,
		Style:         c.Service.Style,
		Format:        c.Service.Format,
		Template:      c.Service.Template,
		Concurrency:   c.Task.Workers,
		Timeout:       c.Task.Timeout,
		Retries:       c.Task.Retries,
		Backoff:       c.Task.Backoff,
		MaxBackoff:    c.Task.MaxBackoff,
		RateLimit:     c.Task.RateLimit,
		ReadyTimeout:  c.Task.ReadyTimeout,
		ProbeInterval: c.Task.ProbeInterval,
		ProbeTimeout:  c.Task.ProbeTimeout,
		UserAgent:     fmt.Sprintf("%s/%s", c.App.Title, c.App.Version),
	}
}

// selectRegions 按名称筛选区域，names 为空时返回全部
func (c *Conf) selectRegions(names []string) ([]Region, error) {
	if len(names) == 0 {
		return c.Regions, nil
	}
	byName := make(map[string]Region, len(c.Regions))
	for _, r := range c.Regions {
		byName[r.Name] = r
	}
	regions := make([]Region, 0, len(names))
	for _, n := range names {
		r, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("region %q not found in config", n)
		}
		regions = append(regions, r)
	}
	return regions, nil
}
