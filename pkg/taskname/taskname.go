package taskname

const (
	// Audit tasks
	AuditVerifyChain = "audit:verify_chain"
	AuditArchive     = "audit:archive"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
