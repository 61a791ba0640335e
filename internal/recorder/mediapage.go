// SPDX-License-Identifier: MIT

package recorder

import (
	"html/template"
	"os"
	"strings"
)

// embeddableExts are media types whose plugin loads further assets itself
// (VRML textures, RealMedia streams). These record through a generated page
// embedding the archive URL, so the interception proxy sees every asset
// request; other media downloads directly and records from disk.
var embeddableExts = map[string]bool{
	"wrl": true,
	"wrz": true,
	"ram": true,
}

// Embeddable reports whether a media extension records via a generated page.
func Embeddable(ext string) bool {
	return embeddableExts[strings.ToLower(ext)]
}

var mediaPageTmpl = template.Must(template.New("mediapage").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body style="margin:0;background:#000">
<embed src="{{.Src}}" width="100%" height="100%" autostart="true" loop="false">
</body>
</html>
`))

// WriteMediaPage renders the embedding page to path.
func WriteMediaPage(path, title, src string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	data := struct{ Title, Src string }{Title: title, Src: src}
	if err := mediaPageTmpl.Execute(f, data); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
