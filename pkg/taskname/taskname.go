package taskname

const (
	// Workflow triggers
	WorkflowTrigger = "workflow:trigger"
	WorkflowEnable  = "workflow:enable"
	WorkflowDisable = "workflow:disable"

	// Bounty tasks
	BountyNotifyPartner   = "bounty:notify:partner"
	BountyNotifyOwners    = "bounty:notify:owners"
	BountySeedSubmissions = "bounty:seed:submissions"

	// Group fan-out tasks
	GroupRemapLinks         = "group:remap:links"
	GroupRemapDiscountCodes = "group:remap:discount_codes"
	GroupNotifyPartners     = "group:notify:partners"

	// Campaign tasks
	CampaignBroadcast = "campaign:broadcast"
	CampaignSchedule  = "campaign:schedule"
	CampaignCancel    = "campaign:cancel"
)

// Queues
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queue returns the queue a task type is routed to. Anything that writes
// commissions or moves partners goes to critical; emails go to low.
func Queue(taskType string) string {
	switch taskType {
	case WorkflowTrigger, BountySeedSubmissions:
		return QueueCritical
	case BountyNotifyPartner, BountyNotifyOwners, GroupNotifyPartners:
		return QueueLow
	default:
		return QueueDefault
	}
}
