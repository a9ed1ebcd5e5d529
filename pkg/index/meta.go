// Package index is the registry's Cargo sparse-index store: a directory
// tree backed by an embedded git repository (go-git), one newline-delimited
// JSON file per crate name, one line per published version.
package index

// Dependency is one entry of a VersionMeta's deps array, per the Cargo
// index spec.
type Dependency struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          *string  `json:"target,omitempty"`
	Kind            string   `json:"kind"` // "normal", "build", "dev"
	Registry        *string  `json:"registry,omitempty"`
	Package         *string  `json:"package,omitempty"`
}

// VersionMeta is one line of a crate's index file.
type VersionMeta struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []Dependency        `json:"deps"`
	Cksum       string              `json:"cksum"`
	Features    map[string][]string `json:"features"`
	Yanked      bool                `json:"yanked"`
	Links       string              `json:"links,omitempty"`
	V           int                 `json:"v"`
	RustVersion string              `json:"rust_version,omitempty"`
}
