// Package config loads the mandelcache YAML configuration.
//
// A configuration file is optional. Values it sets are layered over Default, then
// MANDELCACHE_CACHE_DIR and MANDELCACHE_LOG_LEVEL override the file, and the result
// is validated with go-playground/validator struct tags plus the telemetry checks.
//
// Example file:
//
//	cache:
//	  dir: /var/cache/mandelcache
//	  prefix: mandel
//	  scan: true
//	engine:
//	  workers: 8
//	  chunk_factor: 2
//	  digits: 60
//	ledger:
//	  enabled: true
//	policy:
//	  enabled: true
//	  paths: [/etc/mandelcache/policies]
//	  limits:
//	    max_work: 2000000000
//	    max_arbitrary_work: 50000000
//	telemetry:
//	  logging:
//	    level: debug
//	    format: json
package config
