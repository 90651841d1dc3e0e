package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// OpenPixelURL builds the open-tracking pixel URL for a send
func OpenPixelURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/t/open?sid=%s", baseURL, url.QueryEscape(trackingID))
}

// ClickURL builds a tracked redirect URL for a link target
func ClickURL(baseURL, trackingID, targetURL string) string {
	return fmt.Sprintf("%s/t/click?sid=%s&url=%s",
		baseURL, url.QueryEscape(trackingID), url.QueryEscape(targetURL))
}

// UnsubscribeURL builds the one-click unsubscribe URL for a send
func UnsubscribeURL(baseURL, trackingID string) string {
	return fmt.Sprintf("%s/unsubscribe?sid=%s", baseURL, url.QueryEscape(trackingID))
}

// TrackingPixelTag returns the 1x1 image tag for the open pixel
func TrackingPixelTag(baseURL, trackingID string) string {
	return fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`,
		OpenPixelURL(baseURL, trackingID))
}

// InjectClickTracking rewrites every http(s) anchor href in the HTML to go
// through the click redirect. Anchors, mailto links and links that already
// point at the tracking or unsubscribe endpoints are left alone.
func InjectClickTracking(html, baseURL, trackingID string) string {
	const startTag = `<a href="`
	const endTag = `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		if !trackableLink(originalURL, baseURL) {
			offset = endIdx
			continue
		}

		trackedURL := ClickURL(baseURL, trackingID, originalURL)
		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}

func trackableLink(href, baseURL string) bool {
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return false
	}
	if strings.HasPrefix(href, baseURL+"/t/") || strings.HasPrefix(href, baseURL+"/unsubscribe") {
		return false
	}
	return true
}
