// Package loader downloads template assets through an ordered list of
// sources. Each source is tried in turn until one returns content matching
// the expected hash; the failures of all sources are reported together.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimhsiao/scanvault/backend/internal/cache"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/metrics"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// ErrSkip is returned by a strategy that does not apply to a request.
var ErrSkip = errors.New("strategy not applicable")

// Request identifies the asset to load.
type Request struct {
	TemplateID  string
	FileURL     string
	FileSize    int64
	ContentHash string
}

// RequestFor builds a request from a catalog entry.
func RequestFor(e models.CatalogEntry) Request {
	return Request{
		TemplateID:  e.ID,
		FileURL:     e.FileURL,
		FileSize:    e.FileSize,
		ContentHash: e.ContentHash,
	}
}

// Strategy is one asset source.
type Strategy struct {
	Name  string
	Fetch func(ctx context.Context, req Request) ([]byte, error)
}

// Result is a verified download.
type Result struct {
	Data     []byte
	Hash     string
	Strategy string
}

// Options configures a Chain.
type Options struct {
	// Timeout bounds each strategy attempt. Zero leaves it to the strategy.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Chain tries strategies in order.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewChain creates a chain. Strategies with a nil Fetch are dropped.
func NewChain(opts Options, strategies ...Strategy) *Chain {
	c := &Chain{
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  logging.Component("loader"),
	}
	for _, s := range strategies {
		if s.Fetch != nil {
			c.strategies = append(c.strategies, s)
		}
	}
	return c
}

// Names returns the strategy names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name
	}
	return names
}

// Load returns the first download whose hash matches req.ContentHash.
//
// When every strategy fails the error carries the code of the most
// significant failure (a hash mismatch, then a network error, then
// anything else) and wraps all failures.
func (c *Chain) Load(ctx context.Context, req Request) (*Result, error) {
	if len(c.strategies) == 0 {
		return nil, apperrors.New(apperrors.ErrConfig, "no asset sources configured")
	}

	var errs []error
	for _, s := range c.strategies {
		data, err := c.attempt(ctx, s, req)
		if errors.Is(err, ErrSkip) {
			continue
		}
		if err != nil {
			c.metrics.RecordDownload(s.Name, string(apperrors.CodeOf(err)))
			c.logger.Debug().Err(err).Str("template_id", req.TemplateID).Str("strategy", s.Name).Msg("asset source failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}

		hash := cache.ContentHash(data)
		if !cache.HashMatches(req.ContentHash, hash) {
			c.metrics.RecordDownload(s.Name, string(apperrors.ErrHashMismatch))
			c.logger.Warn().
				Str("template_id", req.TemplateID).
				Str("strategy", s.Name).
				Str("expected", req.ContentHash).
				Str("actual", hash).
				Msg("asset hash mismatch")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name,
				apperrors.Newf(apperrors.ErrHashMismatch, "content hash %s does not match %s", hash, req.ContentHash)))
			continue
		}

		c.metrics.RecordDownload(s.Name, "ok")
		return &Result{Data: data, Hash: hash, Strategy: s.Name}, nil
	}

	if len(errs) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no asset source applies to template %s", req.TemplateID)
	}
	return nil, apperrors.Wrap(dominantCode(errs), fmt.Sprintf("all asset sources failed for template %s", req.TemplateID), errors.Join(errs...))
}

func (c *Chain) attempt(ctx context.Context, s Strategy, req Request) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	data, err := s.Fetch(ctx, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !apperrors.Is(err, apperrors.ErrNetworkTimeout) {
		err = apperrors.Wrap(apperrors.ErrNetworkTimeout, "asset download timed out", err)
	}
	return data, err
}

var codePriority = []apperrors.ErrorCode{
	apperrors.ErrHashMismatch,
	apperrors.ErrNetworkTimeout,
	apperrors.ErrNetwork,
	apperrors.ErrPermission,
	apperrors.ErrRemote,
	apperrors.ErrNotFound,
}

func dominantCode(errs []error) apperrors.ErrorCode {
	for _, code := range codePriority {
		for _, err := range errs {
			if apperrors.Is(err, code) {
				return code
			}
		}
	}
	return apperrors.ErrRemote
}
