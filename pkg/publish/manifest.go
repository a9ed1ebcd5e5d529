// Package publish implements the publication pipeline (C5): parsing the
// Cargo publish body, validating the manifest and tarball, persisting the
// blob, metadata rows and index line as one logical transaction with
// compensation on failure, and enqueueing doc-gen jobs.
package publish

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver"

	"github.com/cratery/registry/pkg/index"
	"github.com/cratery/registry/pkg/regerrors"
)

// nameRe is the crate-name grammar accepted by the registry (§4.5 step 2).
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ManifestDep is one dependency entry of the Cargo publish manifest.
type ManifestDep struct {
	Name               string   `json:"name"`
	VersionReq         string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml *string  `json:"explicit_name_in_toml"`
}

// Manifest is the JSON document Cargo sends ahead of the tarball in
// PUT /api/v1/crates/new.
type Manifest struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []ManifestDep       `json:"deps"`
	Features    map[string][]string `json:"features"`
	Description string              `json:"description"`
	Readme      string              `json:"readme"`
	Links       string              `json:"links"`
	RustVersion string              `json:"rust_version"`
}

// ParseManifest decodes and validates the publish manifest. knownRegistries
// is the set of registry names/index URLs dependencies may refer to; the
// empty registry (the local one) is always allowed.
func ParseManifest(raw []byte, knownRegistries map[string]bool) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "malformed manifest JSON", err)
	}

	if !nameRe.MatchString(m.Name) {
		return nil, regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("crate name %q must match %s", m.Name, nameRe.String()))
	}
	if _, err := semver.NewVersion(m.Vers); err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid,
			fmt.Sprintf("version %q is not valid SemVer", m.Vers), err)
	}

	for _, d := range m.Deps {
		if !nameRe.MatchString(d.Name) {
			return nil, regerrors.New(regerrors.KindInvalid,
				fmt.Sprintf("dependency name %q must match %s", d.Name, nameRe.String()))
		}
		if _, err := semver.NewConstraint(normalizeReq(d.VersionReq)); err != nil {
			return nil, regerrors.Wrap(regerrors.KindInvalid,
				fmt.Sprintf("dependency %q requirement %q is not valid", d.Name, d.VersionReq), err)
		}
		if d.Registry != nil && *d.Registry != "" && !knownRegistries[*d.Registry] {
			return nil, regerrors.New(regerrors.KindInvalid,
				fmt.Sprintf("dependency %q refers to unknown registry %q", d.Name, *d.Registry))
		}
	}
	return &m, nil
}

// normalizeReq maps Cargo's bare requirement form ("1.0") to the caret
// semantics Cargo itself applies, so the constraint parser agrees with the
// resolver that will later evaluate it.
func normalizeReq(req string) string {
	if req == "" || req == "*" {
		return "*"
	}
	c := req[0]
	if c >= '0' && c <= '9' {
		return "^" + req
	}
	return req
}

// IndexMeta renders the manifest as the crate's index line with the given
// tarball checksum.
func (m *Manifest) IndexMeta(cksum string) index.VersionMeta {
	deps := make([]index.Dependency, 0, len(m.Deps))
	for _, d := range m.Deps {
		name := d.Name
		var pkg *string
		if d.ExplicitNameInToml != nil && *d.ExplicitNameInToml != "" {
			// Renamed dependency: the index line's name is the in-toml name
			// and package carries the real crate name.
			real := d.Name
			name = *d.ExplicitNameInToml
			pkg = &real
		}
		features := d.Features
		if features == nil {
			features = []string{}
		}
		deps = append(deps, index.Dependency{
			Name:            name,
			Req:             d.VersionReq,
			Features:        features,
			Optional:        d.Optional,
			DefaultFeatures: d.DefaultFeatures,
			Target:          d.Target,
			Kind:            d.Kind,
			Registry:        d.Registry,
			Package:         pkg,
		})
	}
	features := m.Features
	if features == nil {
		features = map[string][]string{}
	}
	return index.VersionMeta{
		Name:        m.Name,
		Vers:        m.Vers,
		Deps:        deps,
		Cksum:       cksum,
		Features:    features,
		Yanked:      false,
		Links:       m.Links,
		V:           2,
		RustVersion: m.RustVersion,
	}
}
