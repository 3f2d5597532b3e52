// Copyright 2024 Gateway Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that
// can be found in the LICENSE file.

/*
Package migration manages versioned database schema changes across
PostgreSQL, MySQL, and SQLite on top of golang-migrate.

# Overview

SQL migration files for each dialect are embedded via embed.FS and
driven through golang-migrate's engine, giving the gateway forward
migration, rollback, step-by-step application, jump-to-version, and
forced version-setting.

# Core types

  - Migrator: the migration interface — Up/Down/DownAll/Steps/Goto/
    Force/Version/Status/Info/Close.
  - DefaultMigrator: Migrator's default implementation, wrapping a
    golang-migrate instance and its database connection.
  - Config: database type, connection URL, migrations table name, and
    lock timeout.
  - DatabaseType: postgres/mysql/sqlite.
  - MigrationStatus / MigrationInfo: per-migration and summary state.
  - CLI: terminal-formatted wrapper around a Migrator, used by
    cmd/gateway's `gateway migrate` subcommand.

# Capabilities

  - Multi-database support: DatabaseType selects the matching embedded
    SQL set and golang-migrate database driver.
  - Factory functions: NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL build a migrator from whichever configuration
    source is on hand.
  - CLI integration: CLI's RunUp/RunDown/RunStatus/RunInfo etc. format
    Migrator calls for terminal output.
  - Helpers: ParseDatabaseType parses a type string, BuildDatabaseURL
    assembles a dialect-specific connection URL.
*/
package migration
