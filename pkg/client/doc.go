// Package client is a Go client for the Crawlpoint HTTP API, covering the
// operations scraper containers and operator tooling need: actors, runs,
// dataset pushes, key-value records and request-queue consumption.
package client
