// Copyright 2026 Gateway Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages the gateway's configuration lifecycle: layered
loading, runtime hot reload, change auditing, and an HTTP
administration API. Configuration is merged in the order
"defaults -> YAML file -> environment variables".

# Core types

  - Config: the top-level configuration tree, covering Server,
    Database, Pool, Reconciler, Admin, Providers, Log, and Telemetry.
  - Loader: builder-pattern config loader; chains a file path, an
    environment variable prefix, and custom validators.
  - HotReloadManager: watches the config file, applies field-level
    updates, runs change callbacks, and keeps a change log. It keeps
    no prior versions and has no rollback.
  - FileWatcher: polling-plus-debounce file change detector that
    triggers reloads.
  - ConfigAPIHandler: HTTP handlers for reading the current config,
    applying updates, triggering a reload, and listing change history.

# Capabilities

  - Layered loading: YAML file, environment variables (GATEWAY_
    prefix by default), and built-in defaults.
  - Hot reload: automatic reload on file change plus an API-triggered
    path, both supporting partial field updates.
  - Sensitive-field redaction (SanitizedConfig) so admin API
    keys and secrets never round-trip in plaintext; CORS control.
  - Change auditing: a change log holding the most recent 1000
    changes, with sensitive values redacted.
  - Validation: built-in required-field checks plus a pluggable
    ValidateFunc hook.

# Example

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    WithEnvPrefix("GATEWAY").
	    Load()
*/
package config
