package recorder

import (
	"context"
	"time"

	"github.com/4ndr3c0d3/shotfleet/internal/browser/cdp"
	"github.com/4ndr3c0d3/shotfleet/internal/registry"
)

// Browsers launches and stops local browsers. *registry.Registry satisfies it.
type Browsers interface {
	Create(ctx context.Context, req registry.CreateRequest) (registry.Entry, error)
	Close(ctx context.Context, id string) bool
}

// LocalOpener gives every recording its own registry browser, so recordings
// also show up under /local-cdp/sessions.
type LocalOpener struct {
	Browsers          Browsers
	Headless          bool
	NavigationTimeout time.Duration
}

// Open launches a browser and attaches a page to it.
func (o LocalOpener) Open(ctx context.Context, url string, vp Viewport) (Page, error) {
	headless := o.Headless
	entry, err := o.Browsers.Create(ctx, registry.CreateRequest{Headless: &headless})
	if err != nil {
		return nil, err
	}
	endpoint := entry.WSEndpoint
	if endpoint == "" {
		endpoint = entry.DebugEndpoint
	}
	page, err := cdp.OpenPage(ctx, endpoint, cdp.PageConfig{
		URL:               url,
		ViewportWidth:     vp.Width,
		ViewportHeight:    vp.Height,
		NavigationTimeout: o.NavigationTimeout,
	})
	if err != nil {
		o.Browsers.Close(context.WithoutCancel(ctx), entry.ID)
		return nil, err
	}
	return &localPage{Page: page, release: func() { o.Browsers.Close(context.Background(), entry.ID) }}, nil
}

type localPage struct {
	*cdp.Page
	release func()
}

func (p *localPage) Close() {
	p.Page.Close()
	p.release()
}
