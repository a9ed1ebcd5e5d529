package publish

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cratery/registry/pkg/regerrors"
)

// maxManifestBytes bounds the JSON half of the body independently of the
// overall limit; no real manifest approaches it.
const maxManifestBytes = 1 << 20

// Body is the decoded wire form of PUT /api/v1/crates/new: a 4-byte LE
// JSON length, the manifest JSON, a 4-byte LE tarball length, and the
// tarball bytes.
type Body struct {
	ManifestJSON []byte
	Tarball      []byte
}

// ParseBody reads the Cargo publish framing from r. limit bounds the total
// payload (manifest + tarball); exceeding it is KindBodyTooLarge so the
// handler can answer 413.
func ParseBody(r io.Reader, limit int64) (*Body, error) {
	manifestLen, err := readLen(r)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "read manifest length", err)
	}
	if manifestLen > maxManifestBytes {
		return nil, regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("manifest length %d exceeds %d", manifestLen, maxManifestBytes))
	}
	if int64(manifestLen) > limit {
		return nil, regerrors.New(regerrors.KindBodyTooLarge, "body exceeds configured limit")
	}

	manifest := make([]byte, manifestLen)
	if _, err := io.ReadFull(r, manifest); err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "read manifest", err)
	}

	tarballLen, err := readLen(r)
	if err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "read tarball length", err)
	}
	if int64(manifestLen)+int64(tarballLen) > limit {
		return nil, regerrors.New(regerrors.KindBodyTooLarge, "body exceeds configured limit")
	}

	tarball := make([]byte, tarballLen)
	if _, err := io.ReadFull(r, tarball); err != nil {
		return nil, regerrors.Wrap(regerrors.KindInvalid, "read tarball", err)
	}
	return &Body{ManifestJSON: manifest, Tarball: tarball}, nil
}

func readLen(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
