package app

const (
	Name           = "neolink"
	ConfigFilename = "config.json"
	DBFilename     = "neolink.db"
	LogFilename    = "neolink.log"

	// DefaultHistoryLimit bounds History when the caller passes no limit.
	DefaultHistoryLimit  = 20
	writerQueueCapacity  = 64
	transferKindProgram  = "program"
	transferKindFirmware = "firmware"
)
