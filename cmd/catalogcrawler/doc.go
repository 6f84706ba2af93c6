// Package main hosts the catalog crawler entrypoint.
//
// Architecture overview:
//   - Acquisition: internal/crawler decides an egress order per URL from robots.txt (residential
//     first unless the path is disallowed), then opens a page through the configured browser
//     driver (chromedp or playwright) and retries navigation until the site's ready marker is
//     attached. When both egress configurations fail the page is reported as exhausted.
//   - Runs: internal/runner checks the monthly quota, queues every configured listing page and
//     fans them out to a worker pool. Workers extract products with per-site CSS selectors and
//     attach thumbnails downloaded through a per-host rate limiter.
//   - Output: products land in an xlsx workbook (local and optionally the blob store), in
//     Postgres when db.dsn is set, and a run summary is published to Pub/Sub when configured.
//
// Modes:
//   - catalogcrawler -config catalog.yaml runs once and exits non-zero when the run fails.
//   - catalogcrawler -config catalog.yaml -serve exposes /healthz, /metrics and /v1 run
//     management, and triggers runs on scheduler.cron when set.
//
// Every key can be overridden from the environment with the CATALOG_ prefix, for example
// CATALOG_ACQUISITION_EGRESS_DATACENTER_PASSWORD or CATALOG_DB_DSN.
package main
