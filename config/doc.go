// Package config provides unified configuration loading for crawlflow.
//
// Configuration is read in three layers with increasing precedence:
// built-in defaults, a YAML file, and CRAWLFLOW_* environment variables.
// Changing the provider registry or the prompt set requires a restart;
// runtime reconfiguration is deliberately not supported.
package config
