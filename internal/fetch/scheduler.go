// Package fetch 并发下载瓦片：有界工作池、单次请求超时、指数退避重试、就绪检查
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

var (
	// ErrServiceUnavailable 瓦片服务在就绪超时内未响应
	ErrServiceUnavailable = errors.New("tile service unavailable")
	// ErrExhausted 重试次数用尽
	ErrExhausted = errors.New("retry budget exhausted")
)

// Config 下载配置
type Config struct {
	Service  string
	Style    string
	Format   string
	Template string

	Concurrency int
	Timeout     time.Duration
	// Retries 总尝试次数(含第一次)
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// RateLimit 每秒请求数上限，0 表示不限
	RateLimit float64

	ReadyTimeout  time.Duration
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	UserAgent string
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Service:       "http://localhost:8080",
		Style:         "basic-preview",
		Format:        PNG,
		Concurrency:   20,
		Timeout:       15 * time.Second,
		Retries:       3,
		Backoff:       500 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		ReadyTimeout:  60 * time.Second,
		ProbeInterval: 2 * time.Second,
		ProbeTimeout:  5 * time.Second,
		UserAgent:     "cliptiler/0.1",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retries <= 0 {
		c.Retries = d.Retries
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	return c
}

// Scheduler 瓦片下载调度器
type Scheduler struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// New 创建调度器
func New(cfg Config, log logrus.FieldLogger) *Scheduler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		log: log,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

// Config 返回补全默认值后的配置
func (s *Scheduler) Config() Config {
	return s.cfg
}

// RunAll 先等待服务就绪，再下载全部任务。
// 服务不可用时不发出任何瓦片请求。
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task) (<-chan Outcome, error) {
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}
	return s.Run(ctx, tasks), nil
}

// Run 有界并发下载，每个任务恰好产生一个结果，顺序不定。
// 所有任务结束后关闭返回的通道。
func (s *Scheduler) Run(ctx context.Context, tasks []Task) <-chan Outcome {
	out := make(chan Outcome, s.cfg.Concurrency)
	go func() {
		defer close(out)
		p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
		for _, t := range tasks {
			t := t
			if err := ctx.Err(); err != nil {
				out <- Outcome{Task: t, Status: Failed, Err: err}
				continue
			}
			p.Go(func() {
				out <- s.Fetch(ctx, t)
			})
		}
		p.Wait()
	}()
	return out
}

// Fetch 下载单个瓦片，瞬时错误按指数退避重试
func (s *Scheduler) Fetch(ctx context.Context, t Task) Outcome {
	start := time.Now()
	o := Outcome{Task: t}
	url := t.URL()

	var lastErr error
	exhausted := true
	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, s.backoff(attempt-1)); err != nil {
				lastErr, exhausted = err, false
				break
			}
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				lastErr, exhausted = err, false
				break
			}
		}
		o.Attempts = attempt

		body, code, err := s.get(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				lastErr, exhausted = ctx.Err(), false
				break
			}
			lastErr = err
			s.log.Debugf("fetch %s attempt %d error, details: %s", url, attempt, err)
			continue
		}

		switch {
		case code == http.StatusOK && len(body) > 0:
			o.Status = Fetched
			o.Data, err = encode(t.Format, body)
			if err != nil {
				o.Status, o.Data, o.Err = Failed, nil, err
			}
			o.Elapsed = time.Since(start)
			return o
		case code == http.StatusOK, code == http.StatusNotFound:
			o.Status = NotFound
			o.Elapsed = time.Since(start)
			return o
		case retryable(code):
			lastErr = fmt.Errorf("%s: status code %d", url, code)
			s.log.Debugf("fetch %s attempt %d, status code: %d", url, attempt, code)
			continue
		default:
			lastErr, exhausted = fmt.Errorf("%s: status code %d", url, code), false
		}
		break
	}

	o.Status = Failed
	o.Err = lastErr
	if exhausted {
		o.Err = fmt.Errorf("%w after %d attempts: %v", ErrExhausted, o.Attempts, lastErr)
	}
	o.Elapsed = time.Since(start)
	return o
}

func (s *Scheduler) get(ctx context.Context, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (s *Scheduler) backoff(n int) time.Duration {
	d := s.cfg.Backoff
	for i := 1; i < n && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// encode MBTiles 中的矢量瓦片要求 gzip 压缩
func encode(format string, body []byte) ([]byte, error) {
	if format != PBF || (len(body) > 1 && body[0] == 0x1f && body[1] == 0x8b) {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
