package models

import (
	"time"

	"github.com/google/uuid"
)

// Task names as they appear on the wire. The scheduler enqueues these; the
// batcher fans ping-all/poll-all into *-batch tasks.
const (
	TaskPingAll            = "ping-all-devices"
	TaskPingBatch          = "ping-batch"
	TaskSNMPPollAll        = "snmp-poll-all"
	TaskSNMPPollBatch      = "snmp-poll-batch"
	TaskDiscoverInterfaces = "discover-all-interfaces"
	TaskDiscoverBatch      = "discover-batch"
	TaskEvaluateAlerts     = "evaluate-alert-rules"
	TaskCleanupInterfaces  = "cleanup-stale-interfaces"
	TaskCleanupAlerts      = "cleanup-resolved-alerts"
	TaskCheckWorkerHealth  = "check-worker-health"
	TaskVacuumIdleTx       = "vacuum-idle-transactions"
)

// KwargDeep marks the weekly deep pass of cleanup-resolved-alerts: history is
// pruned and vacuumed unconditionally. The daily pass omits it.
const KwargDeep = "deep"

// Queue partitions. One worker class per partition so a slow SNMP walk can
// never starve ping ticks.
const (
	QueueMonitoring  = "monitoring"
	QueueSNMP        = "snmp"
	QueueAlerts      = "alerts"
	QueueMaintenance = "maintenance"
)

// QueueFor returns the partition a task belongs on.
func QueueFor(task string) string {
	switch task {
	case TaskPingAll, TaskPingBatch:
		return QueueMonitoring
	case TaskSNMPPollAll, TaskSNMPPollBatch, TaskDiscoverInterfaces, TaskDiscoverBatch:
		return QueueSNMP
	case TaskEvaluateAlerts:
		return QueueAlerts
	default:
		return QueueMaintenance
	}
}

// TaskPayload is the JSON envelope carried by every queue message.
type TaskPayload struct {
	Task       string            `json:"task"`
	BatchIndex int               `json:"batch_index,omitempty"`
	DeviceIDs  []uuid.UUID       `json:"device_ids,omitempty"`
	Kwargs     map[string]string `json:"kwargs,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}
