// registry-worker is the reference worker agent: it dials the registry's
// worker channel, registers a toolchain descriptor, and executes doc-build
// jobs by shelling out to a configured command, streaming its output back
// as log chunks. The real toolchain invocation is deployment-specific; the
// command template is the extension point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cratery/registry/pkg/worker"
)

// duration decodes "10s"-style YAML strings into a time.Duration.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = duration(parsed)
	return nil
}

// workerConfig is the agent's YAML configuration file.
type workerConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`

	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	HostTriple     string   `yaml:"host_triple"`
	StableVersion  string   `yaml:"stable_version"`
	NightlyVersion string   `yaml:"nightly_version"`
	Targets        []string `yaml:"targets"`
	Capabilities   []string `yaml:"capabilities"`

	// BuildCommand runs one job. It receives the job parameters in the
	// environment (JOB_ID, CRATE_NAME, CRATE_VERSION, TARGET, USE_NATIVE,
	// OUTPUT_ARCHIVE) and must write the rendered-doc tar to
	// OUTPUT_ARCHIVE on success.
	BuildCommand []string `yaml:"build_command"`
	BuildTimeout duration `yaml:"build_timeout"`

	HeartbeatInterval duration `yaml:"heartbeat_interval"`
	ReconnectDelay    duration `yaml:"reconnect_delay"`
}

func loadConfig(path string) (*workerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &workerConfig{
		HeartbeatInterval: duration(10 * time.Second),
		ReconnectDelay:    duration(5 * time.Second),
		BuildTimeout:      duration(15 * time.Minute),
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.ServerURL == "" || cfg.Token == "" {
		return nil, fmt.Errorf("server_url and token are required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if len(cfg.BuildCommand) == 0 {
		return nil, fmt.Errorf("build_command is required")
	}
	return cfg, nil
}

type agent struct {
	cfg *workerConfig
	log *logrus.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancels map[string]context.CancelFunc
}

func main() {
	configPath := flag.String("config", "worker.yaml", "path to worker configuration")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &agent{cfg: cfg, log: log, cancels: map[string]context.CancelFunc{}}
	for ctx.Err() == nil {
		if err := a.session(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(cfg.ReconnectDelay)):
		}
	}
	log.Info("worker agent stopped")
}

// session holds one connection lifetime: register, heartbeat, job loop.
func (a *agent) session(ctx context.Context) error {
	header := http.Header{"Authorization": []string{"Bearer " + a.cfg.Token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", a.cfg.ServerURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", a.cfg.ServerURL, err)
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.send(worker.MsgRegister, worker.Descriptor{
		ID:             a.cfg.ID,
		Name:           a.cfg.Name,
		HostTriple:     a.cfg.HostTriple,
		StableVersion:  a.cfg.StableVersion,
		NightlyVersion: a.cfg.NightlyVersion,
		Targets:        a.cfg.Targets,
		Capabilities:   a.cfg.Capabilities,
	}); err != nil {
		return err
	}
	a.log.WithField("worker_id", a.cfg.ID).Info("registered")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(sessCtx)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := worker.DecodeFrame(frame)
		if err != nil {
			a.log.WithError(err).Warn("bad frame from server")
			continue
		}
		switch env.Type {
		case worker.MsgExecuteJob:
			var spec worker.JobSpec
			if err := json.Unmarshal(env.Payload, &spec); err != nil {
				a.log.WithError(err).Warn("bad job spec")
				continue
			}
			go a.runJob(sessCtx, spec)
		case worker.MsgCancelJob:
			var msg worker.CancelJob
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				continue
			}
			a.mu.Lock()
			if cancelJob := a.cancels[msg.JobID]; cancelJob != nil {
				cancelJob()
			}
			a.mu.Unlock()
		}
	}
}

func (a *agent) send(t worker.MessageType, payload interface{}) error {
	env, err := worker.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	frame, err := worker.EncodeFrame(env)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.HeartbeatInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			var jobID string
			for id := range a.cancels {
				jobID = id
				break
			}
			a.mu.Unlock()
			if err := a.send(worker.MsgHeartbeat, worker.Heartbeat{JobID: jobID}); err != nil {
				a.log.WithError(err).Warn("heartbeat failed")
				return
			}
		}
	}
}

func (a *agent) runJob(ctx context.Context, spec worker.JobSpec) {
	log := a.log.WithFields(logrus.Fields{
		"job_id": spec.JobID, "crate": spec.CrateName, "target": spec.Target,
	})
	log.Info("job accepted")

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.BuildTimeout))
	a.mu.Lock()
	a.cancels[spec.JobID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, spec.JobID)
		a.mu.Unlock()
	}()

	if err := a.send(worker.MsgAccepted, worker.Accepted{JobID: spec.JobID}); err != nil {
		log.WithError(err).Warn("accept send failed")
		return
	}

	workDir, err := os.MkdirTemp("", "docbuild-*")
	if err != nil {
		a.finish(spec.JobID, false, fmt.Sprintf("workdir: %v", err), nil)
		return
	}
	defer os.RemoveAll(workDir)
	archivePath := filepath.Join(workDir, "site.tar")

	cmd := exec.CommandContext(jobCtx, a.cfg.BuildCommand[0], a.cfg.BuildCommand[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"JOB_ID="+spec.JobID,
		"CRATE_NAME="+spec.CrateName,
		"CRATE_VERSION="+spec.Version,
		"TARGET="+spec.Target,
		fmt.Sprintf("USE_NATIVE=%v", spec.UseNative),
		"OUTPUT_ARCHIVE="+archivePath,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.finish(spec.JobID, false, fmt.Sprintf("stdout pipe: %v", err), nil)
		return
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		a.finish(spec.JobID, false, fmt.Sprintf("start build: %v", err), nil)
		return
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if err := a.send(worker.MsgLogChunk, worker.LogChunk{
			JobID: spec.JobID, Chunk: scanner.Text() + "\n",
		}); err != nil {
			log.WithError(err).Warn("log send failed")
			break
		}
	}
	err = cmd.Wait()

	if jobCtx.Err() != nil {
		a.finish(spec.JobID, false, "cancelled", nil)
		log.Info("job cancelled")
		return
	}
	if err != nil {
		a.finish(spec.JobID, false, err.Error(), nil)
		log.WithError(err).Info("job failed")
		return
	}

	archive, err := os.ReadFile(archivePath)
	if err != nil {
		a.finish(spec.JobID, false, fmt.Sprintf("read archive: %v", err), nil)
		return
	}
	a.finish(spec.JobID, true, "", archive)
	log.WithField("archive_bytes", len(archive)).Info("job succeeded")
}

func (a *agent) finish(jobID string, success bool, errMsg string, archive []byte) {
	if err := a.send(worker.MsgFinished, worker.Finished{
		JobID: jobID, Success: success, Error: errMsg, Archive: archive,
	}); err != nil {
		a.log.WithError(err).Warn("finish send failed")
	}
}
