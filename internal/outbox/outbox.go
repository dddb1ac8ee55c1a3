// Package outbox implements the optional file-based ingress: a directory
// watched with fsnotify where dropping a JSON file is equivalent to
// sending a SEND, SPAWN, or RELEASE envelope over the socket. This lets
// shell scripts and non-interactive tooling participate without speaking
// the wire protocol directly.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentrelay/relay/internal/envelope"
)

// FileEnvelope is the on-disk shape a dropped file must contain. Kind
// selects the synthesized envelope: "send" (the default), "spawn", or
// "release". Payload is kept raw and carried into the envelope untouched
// so the dispatch path validates it exactly as it would a socket frame.
type FileEnvelope struct {
	Kind    string          `json:"kind,omitempty"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Watcher watches a directory through fsnotify for newly written *.json
// files and turns each one into a SEND, SPAWN or RELEASE envelope
// delivered through Dispatch.
type Watcher struct {
	log     *zap.Logger
	dir     string
	watcher *fsnotify.Watcher

	// Dispatch receives every envelope synthesized from a dropped file. It
	// is expected to route it the same way a socket-originated SEND would.
	Dispatch func(*envelope.Envelope)
}

// New creates a watcher rooted at dir, creating the directory if needed.
func New(log *zap.Logger, dir string) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("outbox: mkdir %s: %w", dir, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("outbox: new fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("outbox: watch %s: %w", dir, err)
	}
	return &Watcher{log: log, dir: dir, watcher: fw}, nil
}

// Run processes fsnotify events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			w.handleFile(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("outbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("outbox: read dropped file", zap.String("path", path), zap.Error(err))
		return
	}

	var fe FileEnvelope
	if err := json.Unmarshal(data, &fe); err != nil {
		w.log.Warn("outbox: malformed dropped file", zap.String("path", path), zap.Error(err))
		return
	}

	var kind envelope.Kind
	switch strings.ToUpper(fe.Kind) {
	case "", "SEND":
		kind = envelope.KindSend
	case "SPAWN":
		kind = envelope.KindSpawn
	case "RELEASE":
		kind = envelope.KindRelease
	default:
		w.log.Warn("outbox: unsupported kind in dropped file", zap.String("path", path), zap.String("kind", fe.Kind))
		return
	}

	env, err := envelope.New(kind, fe.From, fe.To, fe.Payload)
	if err != nil {
		w.log.Warn("outbox: build envelope", zap.String("path", path), zap.Error(err))
		return
	}
	env.Topic = fe.Topic

	if w.Dispatch != nil {
		w.Dispatch(env)
	}

	if err := os.Remove(path); err != nil {
		w.log.Warn("outbox: remove processed file", zap.String("path", path), zap.Error(err))
	}
}

// Dir returns the watched directory, mostly for status reporting.
func (w *Watcher) Dir() string { return filepath.Clean(w.dir) }
