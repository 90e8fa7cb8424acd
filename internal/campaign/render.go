package campaign

import (
	"html"
	"strings"
)

// PixelURL is the public address of the tracking pixel for token.
func PixelURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/email/pixel/" + token
}

// RenderHTML turns plain text copy into an HTML body with the tracking pixel
// appended. Paragraphs are separated by blank lines.
func RenderHTML(content, pixelURL string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, para := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString(`<img src="`)
	b.WriteString(html.EscapeString(pixelURL))
	b.WriteString(`" width="1" height="1" alt="" style="display:none">`)
	b.WriteString("</body></html>")
	return b.String()
}
