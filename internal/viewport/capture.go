package viewport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// FrameSink receives captured JPEG frames in capture order.
type FrameSink func(frameNum uint32, jpeg []byte)

// Capturer drives a headless Chrome page and screenshots it at a fixed
// interval, feeding the viewport streamer with JPEG payloads.
type Capturer struct {
	url      string
	width    int
	height   int
	quality  int
	interval time.Duration
	logger   *slog.Logger
}

// CaptureOption configures a Capturer.
type CaptureOption func(*Capturer)

// WithCaptureSize sets the headless viewport dimensions.
func WithCaptureSize(w, h int) CaptureOption {
	return func(c *Capturer) { c.width, c.height = w, h }
}

// WithCaptureQuality sets JPEG quality (1-100).
func WithCaptureQuality(q int) CaptureOption { return func(c *Capturer) { c.quality = q } }

// WithCaptureInterval sets the screenshot cadence.
func WithCaptureInterval(d time.Duration) CaptureOption {
	return func(c *Capturer) { c.interval = d }
}

// WithCaptureLogger overrides the logger.
func WithCaptureLogger(l *slog.Logger) CaptureOption { return func(c *Capturer) { c.logger = l } }

// NewCapturer creates a Capturer for url.
func NewCapturer(url string, opts ...CaptureOption) *Capturer {
	c := &Capturer{
		url:      url,
		width:    1280,
		height:   800,
		quality:  70,
		interval: 200 * time.Millisecond,
		logger:   slog.Default().With("component", "viewport-capture"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run navigates a headless page to the capturer's URL and screenshots it on
// the configured interval until ctx is canceled, delivering each frame to
// sink with a monotonically increasing frame number. It blocks for the
// lifetime of the capture.
func (c *Capturer) Run(ctx context.Context, sink FrameSink) error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx,
		chromedp.EmulateViewport(int64(c.width), int64(c.height)),
		chromedp.Navigate(c.url),
	); err != nil {
		return fmt.Errorf("viewport: navigate %s: %w", c.url, err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var frameNum uint32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var buf []byte
		err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			buf, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(c.quality)).
				Do(ctx)
			return err
		}))
		if err != nil {
			c.logger.Warn("screenshot failed", "error", err)
			continue
		}
		frameNum++
		sink(frameNum, buf)
	}
}
