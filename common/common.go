// Package common provides shared constants for fedtrain services.
package common

// PackageName is the canonical module name used for metrics namespacing.
const PackageName = "github.com/securehealth/fedtrain"

// Version is the service version reported by health endpoints.
var Version = "dev"
