// Package scan defines the value types and collaborator interfaces shared by the
// acquisition, analysis, persistence and API layers of the page risk scanner.
package scan
