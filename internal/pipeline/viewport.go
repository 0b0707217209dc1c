package pipeline

import (
	"sort"
	"strings"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
)

const (
	iPhoneUA = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	androidUA = "Mozilla/5.0 (Linux; Android 14; Pixel 7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36"
	iPadUA = "Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 " +
		"(KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
)

// DefaultViewport is used when a request sets no device, mobile flag or viewport.
var DefaultViewport = acquire.Viewport{Width: 1280, Height: 800, DeviceScaleFactor: 1}

// MobileViewport is used when a request only sets the mobile flag.
var MobileViewport = acquire.Viewport{Width: 390, Height: 844, DeviceScaleFactor: 3, Mobile: true, UserAgent: iPhoneUA}

var devices = map[string]acquire.Viewport{
	"iphone-14":  MobileViewport,
	"iphone-se":  {Width: 375, Height: 667, DeviceScaleFactor: 2, Mobile: true, UserAgent: iPhoneUA},
	"pixel-7":    {Width: 412, Height: 915, DeviceScaleFactor: 2.625, Mobile: true, UserAgent: androidUA},
	"ipad":       {Width: 820, Height: 1180, DeviceScaleFactor: 2, Mobile: true, UserAgent: iPadUA},
	"desktop":    DefaultViewport,
	"desktop-hd": {Width: 1920, Height: 1080, DeviceScaleFactor: 1},
}

// KnownDevice reports whether name is a device preset.
func KnownDevice(name string) bool {
	_, ok := devices[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Devices lists the preset names.
func Devices() []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveViewport applies the priority device > mobile > viewport > default.
func ResolveViewport(opts acquire.ScrapeOptions) acquire.Viewport {
	if vp, ok := devices[strings.ToLower(strings.TrimSpace(opts.Device))]; ok {
		return vp
	}
	if opts.Mobile {
		return MobileViewport
	}
	if opts.Viewport != nil && opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		vp := *opts.Viewport
		if vp.DeviceScaleFactor <= 0 {
			vp.DeviceScaleFactor = 1
		}
		return vp
	}
	return DefaultViewport
}
