package depanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cratery/registry/pkg/config"
	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/regerrors"
)

// fetchTimeout bounds one external index file fetch (§5).
const fetchTimeout = 10 * time.Second

// upstreamCache fetches and caches sparse-index files from mirrored
// external registries, one entry per (registry, crate), refreshed when
// older than the configured TTL (§4.8 step 2).
type upstreamCache struct {
	ttl        time.Duration
	client     *http.Client
	registries map[string]config.ExternalRegistry

	mu    sync.Mutex
	files map[string]cachedFile
}

type cachedFile struct {
	metas   []index.VersionMeta
	fetched time.Time
}

func newUpstreamCache(externals []config.ExternalRegistry, ttl time.Duration) *upstreamCache {
	regs := make(map[string]config.ExternalRegistry, len(externals))
	for _, r := range externals {
		regs[r.Name] = r
	}
	return &upstreamCache{
		ttl:        ttl,
		client:     &http.Client{Timeout: fetchTimeout},
		registries: regs,
		files:      make(map[string]cachedFile),
	}
}

// Versions returns the parsed index lines for name in the named external
// registry, from cache when fresh. A failed refresh serves the stale copy
// when one exists.
func (c *upstreamCache) Versions(ctx context.Context, registry, name string) ([]index.VersionMeta, error) {
	key := registry + "/" + strings.ToLower(name)

	c.mu.Lock()
	cached, ok := c.files[key]
	c.mu.Unlock()
	if ok && time.Since(cached.fetched) < c.ttl {
		return cached.metas, nil
	}

	metas, err := c.fetch(ctx, registry, name)
	if err != nil {
		if ok {
			return cached.metas, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.files[key] = cachedFile{metas: metas, fetched: time.Now()}
	c.mu.Unlock()
	return metas, nil
}

func (c *upstreamCache) fetch(ctx context.Context, registry, name string) ([]index.VersionMeta, error) {
	reg, ok := c.registries[registry]
	if !ok {
		return nil, regerrors.New(regerrors.KindNotFound, fmt.Sprintf("unknown registry %q", registry))
	}

	url := strings.TrimSuffix(reg.Index, "/") + "/" + filepath.ToSlash(index.ShardPath(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "build index request", err)
	}
	switch {
	case reg.Login != "" && reg.Token != "":
		req.SetBasicAuth(reg.Login, reg.Token)
	case reg.Token != "":
		req.Header.Set("Authorization", "Bearer "+reg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable,
			fmt.Sprintf("fetch %s from %s", name, registry), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, regerrors.New(regerrors.KindNotFound,
			fmt.Sprintf("crate %q not in registry %s", name, registry))
	case resp.StatusCode != http.StatusOK:
		return nil, regerrors.New(regerrors.KindUpstreamUnavailable,
			fmt.Sprintf("registry %s answered %d for %s", registry, resp.StatusCode, name))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "read index file", err)
	}

	var metas []index.VersionMeta
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var m index.VersionMeta
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable,
				fmt.Sprintf("parse index line from %s", registry), err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}
