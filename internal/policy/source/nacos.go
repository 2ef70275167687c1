package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
)

const defaultNacosGroup = "DEFAULT_GROUP"

// NacosSource pulls the policy document from Nacos config center via HTTP.
type NacosSource struct {
	cfg    config.NacosCfg
	client *http.Client
	log    *slog.Logger
}

func NewNacosSource(cfg config.NacosCfg) *NacosSource {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NacosSource{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    slog.Default().With("component", "policy.nacos"),
	}
}

func (s *NacosSource) Name() string { return "nacos" }

func (s *NacosSource) Fetch(ctx context.Context) (Payload, error) {
	if !s.cfg.Enabled() {
		return Payload{}, errors.New("nacos is disabled")
	}

	reqURL, err := s.buildURL()
	if err != nil {
		return Payload{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Payload{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Payload{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Payload{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Payload{}, fmt.Errorf("nacos fetch failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	version := resp.Header.Get("Content-MD5")
	if version == "" {
		version = Version(body)
	}

	doc, err := Parse(body, s.cfg.Format)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Doc: doc, Version: version}, nil
}

func (s *NacosSource) buildURL() (string, error) {
	base, err := url.Parse(s.cfg.Addr)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/nacos/v1/cs/configs"

	group := s.cfg.Group
	if group == "" {
		group = defaultNacosGroup
	}

	q := base.Query()
	q.Set("dataId", s.cfg.DataID)
	q.Set("group", group)
	if s.cfg.Namespace != "" {
		q.Set("tenant", s.cfg.Namespace)
	}
	if s.cfg.Username != "" {
		q.Set("username", s.cfg.Username)
		q.Set("password", s.cfg.Password)
	}
	base.RawQuery = q.Encode()

	return base.String(), nil
}
