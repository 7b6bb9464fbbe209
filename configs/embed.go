// Package configs provides the embedded configuration template for mediasync.
//
// The template is written by `mediasync config init` and documents every
// setting with its default. Precedence is described in
// internal/config/config.go Load().
package configs

import _ "embed"

// ProjectConfigTemplate is the template for mediasync.yaml.
//
//go:embed mediasync.example.yaml
var ProjectConfigTemplate string
