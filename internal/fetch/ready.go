package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type styleInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WaitReady 轮询 styles.json 直到服务返回 200，超过 ReadyTimeout 返回 ErrServiceUnavailable
func (s *Scheduler) WaitReady(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	url := strings.TrimRight(s.cfg.Service, "/") + "/styles.json"
	start := time.Now()
	for attempt := 1; ; attempt++ {
		styles, err := s.probe(ctx, url)
		if err == nil {
			s.reportStyles(styles)
			s.log.Infof("tile service %s ready after %d probe(s), %.1fs", s.cfg.Service, attempt, time.Since(start).Seconds())
			return nil
		}
		s.log.Debugf("probe %s attempt %d: %s", url, attempt, err)

		if err := sleep(ctx, s.cfg.ProbeInterval); err != nil {
			if parent.Err() != nil {
				return parent.Err()
			}
			return fmt.Errorf("%w: %s not ready within %s", ErrServiceUnavailable, s.cfg.Service, s.cfg.ReadyTimeout)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context, url string) ([]styleInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status code %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// 列表格式不符时仍视为就绪
	var styles []styleInfo
	if err := json.Unmarshal(body, &styles); err != nil {
		return nil, nil
	}
	return styles, nil
}

func (s *Scheduler) reportStyles(styles []styleInfo) {
	if len(styles) == 0 || s.cfg.Format == PBF || s.cfg.Template != "" {
		return
	}
	found := false
	ids := make([]string, 0, len(styles))
	for _, st := range styles {
		found = found || st.ID == s.cfg.Style
		ids = append(ids, st.ID)
	}
	if found {
		s.log.Debugf("styles: %s", strings.Join(ids, ", "))
		return
	}
	s.log.Warnf("style %q not offered by %s, available: %s", s.cfg.Style, s.cfg.Service, strings.Join(ids, ", "))
}
