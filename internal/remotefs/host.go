package remotefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cowritehq/cowrite/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingRoot = errors.New("remotefs: workspace root required")
	errExists      = errors.New("remotefs: target already exists")
)

// BufferReconciler lets the host editor react to remote writes: when a guest
// writes a path the host has open, the host buffer is persisted so its
// unsaved indicator clears. The editor integration provides the
// implementation; NopReconciler is used when there is none.
type BufferReconciler interface {
	FlushIfOpen(virtualPath string) error
}

// NopReconciler ignores reconciliation requests.
type NopReconciler struct{}

// FlushIfOpen implements BufferReconciler.
func (NopReconciler) FlushIfOpen(string) error { return nil }

// ResponderConfig configures a host-side filesystem responder.
type ResponderConfig struct {
	WorkspaceRoot string
	Reconciler    BufferReconciler
	Logger        *zap.Logger
}

// Responder executes filesystem RPCs against the host's real disk. It is the
// only component that ever sees absolute host paths.
type Responder struct {
	root       string
	reconciler BufferReconciler
	logger     *zap.Logger
}

// NewResponder constructs a Responder for the given workspace root.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, errMissingRoot
	}
	reconciler := cfg.Reconciler
	if reconciler == nil {
		reconciler = NopReconciler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		root:       filepath.Clean(cfg.WorkspaceRoot),
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// Handle executes one filesystem request. Failures are reported in the
// response payload, never as transport errors.
func (responder *Responder) Handle(request protocol.FSRequestPayload) protocol.FSResponsePayload {
	response, err := responder.execute(request)
	if err != nil {
		responder.logger.Warn("fs request failed",
			zap.String("op", string(request.Op)),
			zap.String("path", request.Path),
			zap.Error(err))
		return protocol.FSResponsePayload{Ok: false, Error: err.Error()}
	}
	return response
}

func (responder *Responder) execute(request protocol.FSRequestPayload) (protocol.FSResponsePayload, error) {
	real, err := Resolve(responder.root, request.Path)
	if err != nil {
		return protocol.FSResponsePayload{}, err
	}

	switch request.Op {
	case protocol.FSOpStat:
		info, err := os.Stat(real)
		if err != nil {
			return protocol.FSResponsePayload{}, err
		}
		stat := statOf(info)
		return protocol.FSResponsePayload{Ok: true, Stat: &stat}, nil

	case protocol.FSOpReadDirectory:
		listing, err := os.ReadDir(real)
		if err != nil {
			return protocol.FSResponsePayload{}, err
		}
		entries := make([]protocol.DirEntry, 0, len(listing))
		for _, entry := range listing {
			entryType := protocol.FileTypeFile
			if entry.IsDir() {
				entryType = protocol.FileTypeDirectory
			}
			entries = append(entries, protocol.DirEntry{Name: entry.Name(), Type: entryType})
		}
		return protocol.FSResponsePayload{Ok: true, Entries: entries}, nil

	case protocol.FSOpReadFile:
		content, err := os.ReadFile(real)
		if err != nil {
			return protocol.FSResponsePayload{}, err
		}
		return protocol.FSResponsePayload{Ok: true, Content: content}, nil

	case protocol.FSOpCreateDirectory:
		if err := os.MkdirAll(real, 0o755); err != nil {
			return protocol.FSResponsePayload{}, err
		}
		return protocol.FSResponsePayload{Ok: true}, nil

	case protocol.FSOpWriteFile:
		if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
			return protocol.FSResponsePayload{}, err
		}
		if err := os.WriteFile(real, request.Content, 0o644); err != nil {
			return protocol.FSResponsePayload{}, err
		}
		if err := responder.reconciler.FlushIfOpen(request.Path); err != nil {
			responder.logger.Warn("buffer reconciliation failed",
				zap.String("path", request.Path), zap.Error(err))
		}
		return protocol.FSResponsePayload{Ok: true}, nil

	case protocol.FSOpDeleteFile:
		if request.Recursive {
			if err := os.RemoveAll(real); err != nil {
				return protocol.FSResponsePayload{}, err
			}
		} else if err := os.Remove(real); err != nil {
			return protocol.FSResponsePayload{}, err
		}
		return protocol.FSResponsePayload{Ok: true}, nil

	case protocol.FSOpRenameFile:
		target, err := Resolve(responder.root, request.NewPath)
		if err != nil {
			return protocol.FSResponsePayload{}, err
		}
		if !request.Overwrite {
			if _, err := os.Stat(target); err == nil {
				return protocol.FSResponsePayload{}, fmt.Errorf("%w: %s", errExists, request.NewPath)
			}
		}
		if err := os.Rename(real, target); err != nil {
			return protocol.FSResponsePayload{}, err
		}
		return protocol.FSResponsePayload{Ok: true}, nil

	default:
		return protocol.FSResponsePayload{}, fmt.Errorf("remotefs: unknown op %q", request.Op)
	}
}

func statOf(info os.FileInfo) protocol.FileStat {
	fileType := protocol.FileTypeFile
	if info.IsDir() {
		fileType = protocol.FileTypeDirectory
	}
	return protocol.FileStat{
		Type:         fileType,
		Size:         info.Size(),
		ModifiedAtMS: info.ModTime().UnixMilli(),
	}
}
