package ir

// Version constants for the IR wire form and the application.
const (
	// IRVersion is the operation IR schema version.
	IRVersion = "1"

	// AppVersion is the querypilot release version.
	AppVersion = "0.1.0"
)
