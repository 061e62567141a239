// Package config loads the arcd JSON configuration: server and logging
// settings, engine retry and merge defaults, the routing rules file, backend
// adapters, and the session, queue and alerting backends. Relative paths are
// resolved against the directory of the configuration file.
package config
