package preflight

type Plan struct {
	SourceAccessible        bool
	DestinationAccessible   bool
	EnsureDestinationExists bool
	DestinationWriteable    bool

	// Global Flags
	DryRun bool
}
