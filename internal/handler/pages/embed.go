package pages

import "embed"

//go:embed templates/*.html
var templateFS embed.FS
