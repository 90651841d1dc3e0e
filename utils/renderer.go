package utils

import (
	"fmt"
	"strings"

	"maildrip/models"
)

// RenderInput is everything the renderer needs for one message. Rendering
// is pure: the same input always yields the same output.
type RenderInput struct {
	Subject  string
	HTMLBody string
	TextBody string

	RecipientEmail string
	RecipientName  string

	// Per-send identifier embedded in tracking and unsubscribe URLs
	TrackingID string

	FromName  string
	FromEmail string

	Layout      *models.Layout
	BaseURL     string
	TrackClicks bool
}

type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

// MergeResolver produces the substitution value for one merge field
type MergeResolver func(in RenderInput) string

// mergeResolvers maps placeholder keys to their resolvers. New merge
// fields are added here without touching the rendering pipeline.
var mergeResolvers = map[string]MergeResolver{
	"first_name": func(in RenderInput) string {
		return FirstName(in.RecipientName)
	},
	"name": func(in RenderInput) string {
		if in.RecipientName != "" {
			return in.RecipientName
		}
		return in.RecipientEmail
	},
	"email": func(in RenderInput) string {
		return in.RecipientEmail
	},
	"unsubscribe_url": func(in RenderInput) string {
		return UnsubscribeURL(in.BaseURL, in.TrackingID)
	},
}

// RegisterMergeField adds or overrides a merge field resolver
func RegisterMergeField(key string, resolver MergeResolver) {
	mergeResolvers[key] = resolver
}

// FirstName extracts the first whitespace-separated token of a display
// name, falling back to a generic greeting when no name is known.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}

// Render merges recipient fields into the step content, rewrites links
// through click tracking, wraps the body in the layout (or a minimal
// default wrapper) and injects the open pixel.
func Render(in RenderInput) RenderedEmail {
	subject := applyMergeFields(in.Subject, in)
	body := applyMergeFields(in.HTMLBody, in)
	if in.TrackClicks {
		body = InjectClickTracking(body, in.BaseURL, in.TrackingID)
	}

	var html string
	if in.Layout != nil {
		html = strings.ReplaceAll(in.Layout.HTMLContent, "{{content}}", body)
		html = strings.ReplaceAll(html, "{{sender_name}}", in.FromName)
		html = strings.ReplaceAll(html, "{{subject}}", subject)
		html = strings.ReplaceAll(html, "{{unsubscribe_url}}", UnsubscribeURL(in.BaseURL, in.TrackingID))
		// Layouts that already carry the pixel keep their own placement
		if !strings.Contains(in.Layout.HTMLContent, "/t/open") {
			html = appendPixel(html, in)
		}
	} else {
		html = defaultWrapper(body, in)
	}

	return RenderedEmail{
		Subject: subject,
		HTML:    html,
		Text:    applyMergeFields(in.TextBody, in),
	}
}

// applyMergeFields substitutes placeholders in one left-to-right scan.
// Resolver output is written verbatim and never rescanned, so a value
// that happens to contain {{...}} cannot trigger further substitution.
// Unknown placeholders are left in place.
func applyMergeFields(s string, in RenderInput) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			break
		}
		end += start

		key := s[start+2 : end]
		resolve, ok := mergeResolvers[key]
		if !ok {
			b.WriteString(s[:end+2])
			s = s[end+2:]
			continue
		}

		b.WriteString(s[:start])
		b.WriteString(resolve(in))
		s = s[end+2:]
	}
	b.WriteString(s)
	return b.String()
}

func appendPixel(html string, in RenderInput) string {
	pixel := TrackingPixelTag(in.BaseURL, in.TrackingID)
	if idx := strings.LastIndex(html, "</body>"); idx != -1 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

func defaultWrapper(body string, in RenderInput) string {
	footer := fmt.Sprintf(
		`<div style="margin-top:30px;font-size:12px;color:#7f8c8d;text-align:center">
    <p>You are receiving this email from %s.</p>
    <p><a href="%s">Unsubscribe</a></p>
</div>`,
		in.FromName, UnsubscribeURL(in.BaseURL, in.TrackingID))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    </style>
</head>
<body>
%s
%s
</body>
</html>`, body, footer)

	return appendPixel(html, in)
}
