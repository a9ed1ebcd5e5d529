// Package worker implements the doc-build worker registry and dispatcher
// (C6) and the job lifecycle driven by worker messages (C7). Workers are
// external processes holding one persistent WebSocket each; every frame on
// that socket is a length-delimited JSON envelope.
package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cratery/registry/pkg/regerrors"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	// Worker -> dispatcher.
	MsgRegister  MessageType = "register"
	MsgAccepted  MessageType = "accepted"
	MsgLogChunk  MessageType = "log_chunk"
	MsgFinished  MessageType = "finished"
	MsgHeartbeat MessageType = "heartbeat"

	// Dispatcher -> worker.
	MsgExecuteJob MessageType = "execute_job"
	MsgCancelJob  MessageType = "cancel_job"
)

// Envelope is one frame of the worker channel.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Descriptor is a worker's self-registration (§4.6): identity, toolchain,
// installed targets and capability tags.
type Descriptor struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	HostTriple     string   `json:"host_triple"`
	StableVersion  string   `json:"stable_version"`
	NightlyVersion string   `json:"nightly_version"`
	Targets        []string `json:"targets"`
	Capabilities   []string `json:"capabilities"`
}

// HasTarget reports whether triple is among the worker's installed targets.
func (d *Descriptor) HasTarget(triple string) bool {
	for _, t := range d.Targets {
		if t == triple {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether every requested tag is carried.
func (d *Descriptor) HasCapabilities(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range d.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// JobSpec is the ExecuteJob payload: everything a worker needs to run one
// documentation build without further round-trips.
type JobSpec struct {
	JobID        string   `json:"job_id"`
	CrateName    string   `json:"crate_name"`
	Version      string   `json:"version"`
	Target       string   `json:"target"`
	UseNative    bool     `json:"use_native"`
	Capabilities []string `json:"capabilities"`
}

// Accepted acknowledges an ExecuteJob; the build is now running.
type Accepted struct {
	JobID string `json:"job_id"`
}

// LogChunk carries a slice of build output.
type LogChunk struct {
	JobID string `json:"job_id"`
	Chunk string `json:"chunk"`
}

// Finished reports a build's terminal outcome. Archive, when Success, is
// the tar of the rendered documentation site.
type Finished struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Archive []byte `json:"archive,omitempty"`
}

// Heartbeat keeps the connection's liveness window open; JobID is set when
// a build is in flight.
type Heartbeat struct {
	JobID string `json:"job_id,omitempty"`
}

// CancelJob asks the worker to abandon a running build; the job still
// terminates through a Finished message.
type CancelJob struct {
	JobID string `json:"job_id"`
}

// NewEnvelope wraps payload under the given type.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// maxFrameBytes caps a single frame; doc archives dominate and are bounded
// by what a build can reasonably emit.
const maxFrameBytes = 256 << 20

// EncodeFrame renders env as a length-delimited JSON frame: 4-byte LE
// length followed by the JSON body (§6.2).
func EncodeFrame(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// DecodeFrame parses one length-delimited frame.
func DecodeFrame(frame []byte) (Envelope, error) {
	if len(frame) < 4 {
		return Envelope{}, regerrors.New(regerrors.KindInvalid, "frame shorter than length prefix")
	}
	n := binary.LittleEndian.Uint32(frame)
	if n > maxFrameBytes {
		return Envelope{}, regerrors.New(regerrors.KindInvalid, fmt.Sprintf("frame length %d exceeds limit", n))
	}
	if int(n) != len(frame)-4 {
		return Envelope{}, regerrors.New(regerrors.KindInvalid,
			fmt.Sprintf("frame length %d does not match body %d", n, len(frame)-4))
	}
	var env Envelope
	if err := json.Unmarshal(frame[4:4+n], &env); err != nil {
		return Envelope{}, regerrors.Wrap(regerrors.KindInvalid, "unmarshal envelope", err)
	}
	return env, nil
}
