// Package kbase holds the content model of a knowledge-base site:
// typed content blocks, the persisted page document, slugs and the
// error types shared by the rendering pipeline and the page store.
//
// Rendering, composition, storage and the HTTP surface live under internal/.
package kbase

// Version is set at build time with -ldflags.
var Version = "dev"
