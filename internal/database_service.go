package internal

// Database is the sink for feature log messages. Charge point state is
// memory-resident and rebuilt from the next BootNotification, so nothing
// else is persisted.
type Database interface {
	WriteLogMessage(message *FeatureLogMessage) error
	ReadLog(limit int) ([]FeatureLogMessage, error)
}
