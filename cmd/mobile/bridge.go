package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/kimhsiao/scanvault/backend/internal/config"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/services"
)

// response is the JSON envelope returned by every exported function. A
// revoked or expired license sets both Data and Error.
type response struct {
	Data  interface{}  `json:"data,omitempty"`
	Error *errorResult `json:"error,omitempty"`
}

type errorResult struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

var errNotInitialized = apperrors.New(apperrors.ErrConfig, "core not initialized")

// bridge owns the single core instance behind the FFI surface.
type bridge struct {
	mu     sync.RWMutex
	core   *services.Core
	ctx    context.Context
	cancel context.CancelFunc
}

func encode(data interface{}, err error) string {
	resp := response{Data: data}
	if err != nil {
		resp.Error = &errorResult{Code: apperrors.CodeOf(err), Message: err.Error()}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			resp.Error.Message = appErr.Message
		}
	}
	out, mErr := json.Marshal(resp)
	if mErr != nil {
		return `{"error":{"code":"INTERNAL_ERROR","message":"encode response"}}`
	}
	return string(out)
}

// open loads configuration and starts the core. Calling open twice without
// close is an error.
func (b *bridge) open(dataDir, configPath string, opts services.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core != nil {
		return apperrors.New(apperrors.ErrConfig, "core already initialized")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))

	ctx, cancel := context.WithCancel(context.Background())
	core, err := services.New(ctx, cfg, opts)
	if err != nil {
		cancel()
		return err
	}
	if err := core.Start(ctx); err != nil {
		core.Close()
		cancel()
		return err
	}
	b.core, b.ctx, b.cancel = core, ctx, cancel
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.core == nil {
		return nil
	}
	b.cancel()
	err := b.core.Close()
	b.core = nil
	return err
}

// with runs fn against the open core.
func (b *bridge) with(fn func(ctx context.Context, core *services.Core) (interface{}, error)) string {
	b.mu.RLock()
	core, ctx := b.core, b.ctx
	b.mu.RUnlock()
	if core == nil {
		return encode(nil, errNotInitialized)
	}
	data, err := fn(ctx, core)
	return encode(data, err)
}

func (b *bridge) validate(code string) string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		out, err := core.Validate(ctx, code)
		if out == nil {
			return nil, err
		}
		return out, err
	})
}

func (b *bridge) syncAll() string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		return core.SyncAll(ctx)
	})
}

func (b *bridge) syncOne(templateID string) string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		return core.SyncOne(ctx, templateID)
	})
}

func (b *bridge) cacheStats() string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		return core.CacheStatistics(ctx)
	})
}

func (b *bridge) syncStats() string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		return core.SyncStatistics(ctx)
	})
}

func (b *bridge) templates() string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		return core.Templates(ctx)
	})
}

func (b *bridge) clearValidations() string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		n, err := core.ClearValidationCache(ctx)
		return map[string]int64{"deleted": n}, err
	})
}

func (b *bridge) setOnline(online bool) string {
	return b.with(func(ctx context.Context, core *services.Core) (interface{}, error) {
		core.SetOnlineStatus(online)
		return map[string]bool{"online": online}, nil
	})
}
