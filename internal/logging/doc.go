// Package logging provides leveled logging for the ingestion pipeline.
//
// The log level is controlled by the LOG_LEVEL environment variable
// (debug, info, warn, error) or forced to debug with DEBUG=true.
// The default level is info.
package logging
