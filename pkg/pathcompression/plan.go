package pathcompression

type Plan struct {
	Format       Format
	Level        Level
	BufferSizeKB int

	// Global Flags
	Metrics bool
}
