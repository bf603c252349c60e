// Package templates embeds the files written by `autodispatch init`.
package templates

import "embed"

//go:embed dispatch.yaml TASKS.json
var FS embed.FS
