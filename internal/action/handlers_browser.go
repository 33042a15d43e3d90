package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// browserSession holds the lazily-started rod browser and its current page.
type browserSession struct {
	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page
}

func (s *browserSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		s.browser.Close()
		s.browser = nil
		s.page = nil
	}
}

// session returns the executor's browser session, starting the browser on
// first use.
func (e *Executor) session() (*browserSession, error) {
	e.mu.Lock()
	if e.browser == nil {
		e.browser = &browserSession{}
	}
	s := e.browser
	e.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser == nil {
		b := rod.New()
		if err := b.Connect(); err != nil {
			return nil, handlerError("browser", err)
		}
		s.browser = b
	}
	return s, nil
}

func handleOpenBrowser(ctx context.Context, e *Executor, p Params) (*Output, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	page, err := s.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, handlerError("open_browser", err)
	}
	s.page = page
	return &Output{Text: "browser ready", Data: map[string]interface{}{"ready": true}}, nil
}

func handleNavigateURL(ctx context.Context, e *Executor, p Params) (*Output, error) {
	rawURL := p.Str("url")
	if rawURL == "" {
		return nil, errors.New("navigate_url: 'url' must be non-empty")
	}
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.page == nil {
		page, err := s.browser.Page(proto.TargetCreateTarget{URL: rawURL})
		if err != nil {
			return nil, handlerError("navigate_url", err)
		}
		s.page = page
	} else if err := s.page.Context(ctx).Navigate(rawURL); err != nil {
		return nil, handlerError("navigate_url", err)
	}
	if err := s.page.Context(ctx).WaitLoad(); err != nil {
		return nil, handlerError("navigate_url", err)
	}

	info, err := s.page.Info()
	if err != nil {
		return nil, handlerError("navigate_url", err)
	}
	return &Output{
		Text: info.Title,
		Data: map[string]interface{}{"url": info.URL, "title": info.Title},
	}, nil
}

func handleTakeScreenshot(ctx context.Context, e *Executor, p Params) (*Output, error) {
	s, err := e.session()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, errors.New("take_screenshot: no page open")
	}

	outPath := p.Str("output_path")
	if outPath == "" {
		outPath = filepath.Join(e.gate.ProjectRoot(), "workspace", "screenshot.png")
	}

	raw, err := s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, handlerError("take_screenshot", err)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return nil, handlerError("take_screenshot", err)
	}
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return nil, handlerError("take_screenshot", err)
	}
	return &Output{
		Text: "screenshot saved to " + outPath,
		Data: map[string]interface{}{"path": outPath, "size": len(raw)},
	}, nil
}
