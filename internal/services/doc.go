// Package services holds the shared error taxonomy used by provider clients
// and pipeline stages.
package services
