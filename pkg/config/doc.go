/*
Package config loads the Crawlpoint server configuration from YAML.

Configuration values may reference environment variables with ${VAR} or
${VAR:-default} syntax; references are expanded before parsing. Unset fields
fall back to defaults via Config.Defaults, so a minimal config file only needs
the database DSN and blob bucket.
*/
package config
