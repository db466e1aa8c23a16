// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with multi-tenant
support for FinSight components.

Each entry is a single JSON line on stdout carrying the timestamp
(RFC3339Nano), level, component, instance and container identifiers,
the tenant and query IDs, the message, and optional custom fields:

	log := logger.New("gateway")
	log.Info("T1", "q-456", "query accepted", map[string]interface{}{
	    "priority": 5,
	})

The INSTANCE_ID environment variable identifies the deployment
instance; the container name is taken from the hostname. Logger
instances are safe for concurrent use.
*/
package logger
