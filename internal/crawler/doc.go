// Package crawler implements page acquisition for the jewelry catalog crawler: robots
// evaluation, egress ordering, browser/page acquisition with bounded navigation retries,
// and fallback across the residential and datacenter egress paths.
package crawler
