package service

var (
	MetricCallStartedCount       = []string{"corelink", "service", "call", "started", "count"}
	MetricCallCompletedCount     = []string{"corelink", "service", "call", "completed", "count"}
	MetricCallDuration           = []string{"corelink", "service", "call", "duration"}
	MetricCallAutoAbortedCount   = []string{"corelink", "service", "call", "auto", "aborted", "count"}
	MetricCancelCount            = []string{"corelink", "service", "cancel", "count"}
	MetricProtocolViolationCount = []string{"corelink", "service", "protocol", "violation", "count"}
	MetricSlots                  = []string{"corelink", "service", "slots"}
	MetricStreamConnectCount     = []string{"corelink", "service", "stream", "connect", "count"}
	MetricStreamDisconnectCount  = []string{"corelink", "service", "stream", "disconnect", "count"}
	MetricReplyWriteErrorCount   = []string{"corelink", "service", "reply", "write", "error", "count"}
	MetricClientDialErrorCount   = []string{"corelink", "client", "dial", "error", "count"}
	MetricClientResetCount       = []string{"corelink", "client", "reset", "count"}
	MetricClientStreamClosed     = []string{"corelink", "client", "stream", "closed", "count"}
)
