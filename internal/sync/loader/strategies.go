package loader

import (
	"context"
)

// ContentSource serves template content by id.
type ContentSource interface {
	Content(ctx context.Context, templateID string) ([]byte, error)
}

// URLFetcher downloads an absolute or gateway-relative URL.
type URLFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// ObjectSource reads a template asset from object storage.
type ObjectSource interface {
	Get(ctx context.Context, templateID string, limit int64) ([]byte, error)
}

// Strategy names.
const (
	StrategyGateway = "gateway"
	StrategyFileURL = "file_url"
	StrategyMirror  = "mirror"
)

// GatewayContent loads from the gateway content endpoint.
func GatewayContent(src ContentSource) Strategy {
	if src == nil {
		return Strategy{Name: StrategyGateway}
	}
	return Strategy{
		Name: StrategyGateway,
		Fetch: func(ctx context.Context, req Request) ([]byte, error) {
			return src.Content(ctx, req.TemplateID)
		},
	}
}

// FileURL loads from the catalog fileUrl. It is skipped when the entry has none.
func FileURL(f URLFetcher) Strategy {
	if f == nil {
		return Strategy{Name: StrategyFileURL}
	}
	return Strategy{
		Name: StrategyFileURL,
		Fetch: func(ctx context.Context, req Request) ([]byte, error) {
			if req.FileURL == "" {
				return nil, ErrSkip
			}
			return f.Fetch(ctx, req.FileURL)
		},
	}
}

// Mirror loads from an object store mirror. limit caps the object size.
func Mirror(src ObjectSource, limit int64) Strategy {
	if src == nil {
		return Strategy{Name: StrategyMirror}
	}
	return Strategy{
		Name: StrategyMirror,
		Fetch: func(ctx context.Context, req Request) ([]byte, error) {
			return src.Get(ctx, req.TemplateID, limit)
		},
	}
}
