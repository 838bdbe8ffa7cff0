// Package log provides structured logging built on zerolog, shared by every
// component of the controller. Call Init once at startup, then derive
// child loggers with WithComponent/WithTopologyID/WithContainer so that
// every line carries enough context to grep a single topology's history
// out of a multi-topology process.
package log
