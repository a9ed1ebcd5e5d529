package depanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Masterminds/semver"

	"github.com/cratery/registry/pkg/observability"
	"github.com/cratery/registry/pkg/regerrors"
)

// Advisory is one published vulnerability record, matched against graph
// nodes by (crate name, affected version range) (§4.8 step 4).
type Advisory struct {
	ID               string `json:"id"`
	Package          string `json:"package"`
	AffectedVersions string `json:"affected_versions"`
	Severity         string `json:"severity"`
	Description      string `json:"description"`
	URL              string `json:"url"`
}

type feedDocument struct {
	Advisories []Advisory `json:"advisories"`
}

// VulnFeed answers which advisories affect one resolved (crate, version).
type VulnFeed interface {
	Match(ctx context.Context, name string, version *semver.Version) ([]Advisory, error)
}

// HTTPVulnFeed refreshes the advisory list from a configured URL on the
// same TTL as external indices. An empty URL yields an always-empty feed.
type HTTPVulnFeed struct {
	url    string
	ttl    time.Duration
	client *http.Client
	logger *observability.Logger

	mu        sync.Mutex
	byPackage map[string][]Advisory
	fetched   time.Time
}

func NewHTTPVulnFeed(url string, ttl time.Duration, logger *observability.Logger) *HTTPVulnFeed {
	return &HTTPVulnFeed{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// Match refreshes the feed when stale and returns the advisories whose
// affected range contains version.
func (f *HTTPVulnFeed) Match(ctx context.Context, name string, version *semver.Version) ([]Advisory, error) {
	if f.url == "" {
		return nil, nil
	}
	advisories, err := f.advisoriesFor(ctx, name)
	if err != nil {
		return nil, err
	}

	var hits []Advisory
	for _, adv := range advisories {
		constraint, err := semver.NewConstraint(adv.AffectedVersions)
		if err != nil {
			f.logger.WithError(err).WithField("advisory", adv.ID).Warn("unparseable advisory range")
			continue
		}
		if constraint.Check(version) {
			hits = append(hits, adv)
		}
	}
	return hits, nil
}

func (f *HTTPVulnFeed) advisoriesFor(ctx context.Context, name string) ([]Advisory, error) {
	f.mu.Lock()
	fresh := f.byPackage != nil && time.Since(f.fetched) < f.ttl
	if fresh {
		advisories := f.byPackage[name]
		f.mu.Unlock()
		return advisories, nil
	}
	f.mu.Unlock()

	byPackage, err := f.refresh(ctx)
	if err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.byPackage != nil {
			// Stale advisories beat none while the feed is unreachable.
			return f.byPackage[name], nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.byPackage = byPackage
	f.fetched = time.Now()
	advisories := byPackage[name]
	f.mu.Unlock()
	return advisories, nil
}

func (f *HTTPVulnFeed) refresh(ctx context.Context) (map[string][]Advisory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "build feed request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "fetch vulnerability feed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, regerrors.New(regerrors.KindUpstreamUnavailable,
			fmt.Sprintf("vulnerability feed answered %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "read vulnerability feed", err)
	}
	var doc feedDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, regerrors.Wrap(regerrors.KindUpstreamUnavailable, "parse vulnerability feed", err)
	}

	byPackage := make(map[string][]Advisory)
	for _, adv := range doc.Advisories {
		byPackage[adv.Package] = append(byPackage[adv.Package], adv)
	}
	return byPackage, nil
}
