// Package handlers provides the built-in job handlers: page scraping,
// model inference, data analysis and publish actions. Each one validates
// its own payload schema at submission time and classifies its failures as
// transient (retried with backoff) or terminal (dead-lettered).
package handlers
