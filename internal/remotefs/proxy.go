package remotefs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cowritehq/cowrite/internal/protocol"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is surfaced for read-type calls that the host answered
	// with no result. Path-missing, host-side failure and host-offline are
	// indistinguishable here.
	ErrNotFound = errors.New("remotefs: not found")
	// ErrRemote wraps a host-reported failure of a mutating operation.
	ErrRemote = errors.New("remotefs: host operation failed")

	errMissingCaller = errors.New("remotefs: rpc caller required")
)

// RPCCaller issues one filesystem request/response exchange addressed to the
// current host. The transport session implements it.
type RPCCaller interface {
	CallFS(ctx context.Context, request protocol.FSRequestPayload) (protocol.FSResponsePayload, error)
	Notify(messageType protocol.MessageType, payload any) error
}

// ProxyConfig configures a guest-side filesystem proxy.
type ProxyConfig struct {
	Caller RPCCaller
	Logger *zap.Logger
}

// Proxy exposes the virtual-filesystem capability set by translating each
// call into exactly one round trip to the host. There is no caching;
// response order follows transport delivery, not issue order.
type Proxy struct {
	caller RPCCaller
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int64
	watchers map[int64]watchRegistration
}

type watchRegistration struct {
	path    string
	handler func(changes []protocol.FileChange)
}

// NewProxy constructs a Proxy over the given caller.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.Caller == nil {
		return nil, errMissingCaller
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		caller:   cfg.Caller,
		logger:   logger,
		watchers: make(map[int64]watchRegistration),
	}, nil
}

// Stat returns the stat record for a virtual path.
func (proxy *Proxy) Stat(ctx context.Context, path string) (protocol.FileStat, error) {
	response, err := proxy.read(ctx, protocol.FSRequestPayload{Op: protocol.FSOpStat, Path: path})
	if err != nil {
		return protocol.FileStat{}, err
	}
	if response.Stat == nil {
		return protocol.FileStat{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return *response.Stat, nil
}

// ReadDirectory lists a virtual directory.
func (proxy *Proxy) ReadDirectory(ctx context.Context, path string) ([]protocol.DirEntry, error) {
	response, err := proxy.read(ctx, protocol.FSRequestPayload{Op: protocol.FSOpReadDirectory, Path: path})
	if err != nil {
		return nil, err
	}
	return response.Entries, nil
}

// ReadFile returns the content of a virtual path.
func (proxy *Proxy) ReadFile(ctx context.Context, path string) ([]byte, error) {
	response, err := proxy.read(ctx, protocol.FSRequestPayload{Op: protocol.FSOpReadFile, Path: path})
	if err != nil {
		return nil, err
	}
	return response.Content, nil
}

// CreateDirectory creates a directory (and missing parents) on the host.
func (proxy *Proxy) CreateDirectory(ctx context.Context, path string) error {
	return proxy.mutate(ctx, protocol.FSRequestPayload{Op: protocol.FSOpCreateDirectory, Path: path})
}

// WriteFile writes content to a virtual path on the host.
func (proxy *Proxy) WriteFile(ctx context.Context, path string, content []byte) error {
	return proxy.mutate(ctx, protocol.FSRequestPayload{Op: protocol.FSOpWriteFile, Path: path, Content: content})
}

// Delete removes a virtual path on the host.
func (proxy *Proxy) Delete(ctx context.Context, path string, recursive bool) error {
	return proxy.mutate(ctx, protocol.FSRequestPayload{Op: protocol.FSOpDeleteFile, Path: path, Recursive: recursive})
}

// Rename moves a virtual path on the host.
func (proxy *Proxy) Rename(ctx context.Context, oldPath, newPath string, overwrite bool) error {
	return proxy.mutate(ctx, protocol.FSRequestPayload{
		Op:        protocol.FSOpRenameFile,
		Path:      oldPath,
		NewPath:   newPath,
		Overwrite: overwrite,
	})
}

func (proxy *Proxy) read(ctx context.Context, request protocol.FSRequestPayload) (protocol.FSResponsePayload, error) {
	if _, err := CleanVirtual(request.Path); err != nil {
		return protocol.FSResponsePayload{}, err
	}
	response, err := proxy.caller.CallFS(ctx, request)
	if err != nil {
		return protocol.FSResponsePayload{}, err
	}
	if !response.Ok {
		return protocol.FSResponsePayload{}, fmt.Errorf("%w: %s", ErrNotFound, request.Path)
	}
	return response, nil
}

func (proxy *Proxy) mutate(ctx context.Context, request protocol.FSRequestPayload) error {
	if _, err := CleanVirtual(request.Path); err != nil {
		return err
	}
	response, err := proxy.caller.CallFS(ctx, request)
	if err != nil {
		return err
	}
	if !response.Ok {
		return fmt.Errorf("%w: %s: %s", ErrRemote, request.Op, response.Error)
	}
	return nil
}

// Watch registers interest in change events at or under path. The returned
// cancel function is idempotent.
func (proxy *Proxy) Watch(path string, recursive bool, handler func(changes []protocol.FileChange)) (func(), error) {
	cleaned, err := CleanVirtual(path)
	if err != nil {
		return nil, err
	}
	if err := proxy.caller.Notify(protocol.TypeWatchFile, protocol.WatchPayload{Path: cleaned, Recursive: recursive}); err != nil {
		return nil, err
	}

	proxy.mu.Lock()
	proxy.nextID++
	registrationID := proxy.nextID
	proxy.watchers[registrationID] = watchRegistration{path: cleaned, handler: handler}
	proxy.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			proxy.mu.Lock()
			delete(proxy.watchers, registrationID)
			proxy.mu.Unlock()
			if err := proxy.caller.Notify(protocol.TypeUnwatchFile, protocol.WatchPayload{Path: cleaned}); err != nil {
				proxy.logger.Warn("unwatch notify failed", zap.String("path", cleaned), zap.Error(err))
			}
		})
	}
	return cancel, nil
}

// DispatchChanges routes a relayed fileChanged batch to matching watchers.
func (proxy *Proxy) DispatchChanges(payload protocol.FileChangedPayload) {
	proxy.mu.Lock()
	registrations := make([]watchRegistration, 0, len(proxy.watchers))
	for _, registration := range proxy.watchers {
		registrations = append(registrations, registration)
	}
	proxy.mu.Unlock()

	for _, registration := range registrations {
		matched := make([]protocol.FileChange, 0, len(payload.Changes))
		for _, change := range payload.Changes {
			if pathWithin(registration.path, change.Path) {
				matched = append(matched, change)
			}
		}
		if len(matched) > 0 {
			registration.handler(matched)
		}
	}
}

func pathWithin(watched, candidate string) bool {
	if watched == "" {
		return true
	}
	if watched == candidate {
		return true
	}
	return len(candidate) > len(watched) && candidate[:len(watched)] == watched && candidate[len(watched)] == '/'
}
