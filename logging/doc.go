// Package logging defines the Logger interface used across AgentOS plus slog
// based adapters. Components accept a Logger via functional options and
// default to NoOpLogger so library users opt in to output explicitly.
package logging
