package publish

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/cratery/registry/pkg/regerrors"
)

// maxInspectFileBytes caps how much of any single archived file the
// inspector will read into memory (the manifest and README are small; a
// crate smuggling a huge one is rejected rather than buffered).
const maxInspectFileBytes = 2 << 20

// TarballInfo is what content inspection (§4.5 step 4) extracts from the
// uploaded .crate archive.
type TarballInfo struct {
	// Name and Version as declared by the archived Cargo.toml's [package]
	// section; must equal the manifest's.
	Name    string
	Version string

	Description string
	Readme      []byte
}

// InspectTarball stream-decompresses the gzipped tar and verifies it
// contains {name}-{version}/Cargo.toml whose package name/version agree
// with the publish manifest, extracting the README and description along
// the way.
func InspectTarball(tarball []byte, name, version string) (*TarballInfo, error) {
	gz, err := gzip.NewReader(bytes.NewReader(tarball))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "tarball is not gzip", err)
	}
	defer gz.Close()

	prefix := name + "-" + version + "/"
	info := &TarballInfo{}
	sawManifest := false

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, regerrors.Wrap(regerrors.KindInvalid, "corrupt tar stream", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(clean, prefix) {
			return nil, regerrors.New(regerrors.KindInvalid,
				fmt.Sprintf("archive entry %q outside %s", hdr.Name, prefix))
		}
		rel := strings.TrimPrefix(clean, prefix)

		switch {
		case rel == "Cargo.toml":
			body, err := readEntry(tr, hdr.Size)
			if err != nil {
				return nil, err
			}
			pkg := parsePackageSection(body)
			info.Name = pkg["name"]
			info.Version = pkg["version"]
			if info.Description == "" {
				info.Description = pkg["description"]
			}
			sawManifest = true
		case isReadme(rel):
			body, err := readEntry(tr, hdr.Size)
			if err != nil {
				return nil, err
			}
			info.Readme = body
		}
	}

	if !sawManifest {
		return nil, regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("archive does not contain %sCargo.toml", prefix))
	}
	if info.Name != name || info.Version != version {
		return nil, regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("archived Cargo.toml declares %s@%s, manifest declares %s@%s",
				info.Name, info.Version, name, version))
	}
	return info, nil
}

func readEntry(tr *tar.Reader, size int64) ([]byte, error) {
	if size > maxInspectFileBytes {
		return nil, regerrors.New(regerrors.KindInvalid, "archived metadata file too large")
	}
	body, err := io.ReadAll(io.LimitReader(tr, maxInspectFileBytes))
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "read archive entry", err)
	}
	return body, nil
}

func isReadme(rel string) bool {
	switch strings.ToLower(rel) {
	case "readme", "readme.md", "readme.txt":
		return true
	}
	return false
}

// parsePackageSection pulls string keys out of Cargo.toml's [package]
// table. It is deliberately not a TOML parser: the three keys it needs
// (name, version, description) are single-line basic strings in every
// crate Cargo itself packages, and the archived manifest was already
// normalized by Cargo on the client side.
func parsePackageSection(toml []byte) map[string]string {
	out := map[string]string{}
	inPackage := false
	for _, line := range strings.Split(string(toml), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inPackage = line == "[package]"
			continue
		}
		if !inPackage || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && val[0] == '"' {
			if end := strings.Index(val[1:], `"`); end >= 0 {
				val = val[1 : end+1]
			}
		}
		switch key {
		case "name", "version", "description":
			out[key] = val
		}
	}
	return out
}
