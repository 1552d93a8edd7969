package taskname

const (
	// Period tasks
	PeriodClose = "period:close"
)
