package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
)

type captureStage struct {
	p *Pipeline
}

func (captureStage) Name() string { return stageCapture }

func (s captureStage) Run(ctx context.Context, st *State) error {
	opts := st.Request.Options
	if opts.WantsScreenshot() {
		start := time.Now()
		asset, err := s.screenshot(ctx, st)
		st.Snapshot.Timings.ScreenshotMs = time.Since(start).Milliseconds()
		if err != nil {
			return err
		}
		st.Snapshot.Screenshot = asset
	}
	if opts.Wants(acquire.FormatPDF) {
		start := time.Now()
		asset, err := s.pdf(ctx, st)
		st.Snapshot.Timings.PdfMs = time.Since(start).Milliseconds()
		if err != nil {
			return err
		}
		st.Snapshot.PDF = asset
	}
	return nil
}

func (s captureStage) screenshot(ctx context.Context, st *State) (*acquire.Asset, error) {
	data, err := st.Page.Screenshot(ctx, st.Request.Options.Wants(acquire.FormatFullPageScreenshot))
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return s.upload(ctx, st.Request, "screenshot.png", "image/png", data)
}

func (s captureStage) pdf(ctx context.Context, st *State) (*acquire.Asset, error) {
	data, err := st.Page.PDF(ctx)
	if err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return s.upload(ctx, st.Request, "page.pdf", "application/pdf", data)
}

func (s captureStage) upload(ctx context.Context, req Request, name, contentType string, data []byte) (*acquire.Asset, error) {
	if s.p.sink == nil {
		return nil, errcode.New(errcode.StorageError, "no blob sink configured")
	}
	objectPath := AssetPath(s.p.cfg.AssetPrefix, req, name)
	if err := s.p.sink.Upload(ctx, objectPath, contentType, data); err != nil {
		return nil, errcode.Wrap(errcode.StorageError, fmt.Errorf("upload %s: %w", objectPath, err))
	}
	expiry := s.p.expiry(req.Tier)
	url, err := s.p.sink.PublicURL(ctx, objectPath, expiry)
	if err != nil {
		return nil, errcode.Wrap(errcode.StorageError, fmt.Errorf("issue url for %s: %w", objectPath, err))
	}
	return &acquire.Asset{
		Path:        objectPath,
		URL:         url,
		ContentType: contentType,
		Bytes:       len(data),
		ExpiresAt:   s.p.now().Add(expiry),
	}, nil
}

// AssetPath builds a deterministic object path so redelivered jobs overwrite their own assets.
func AssetPath(prefix string, req Request, name string) string {
	key := req.Key
	if key == "" {
		key = req.URL
	}
	sum := sha256.Sum256([]byte(key))
	return path.Join(strings.Trim(prefix, "/"), req.JobID, hex.EncodeToString(sum[:8]), name)
}
