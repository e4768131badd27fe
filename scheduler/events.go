package scheduler

type Event interface{}

// Demand

type EventDemandUpdated struct {
	Label    string
	Workload int
}

// Planned nodes

type EventNodesPlanned struct {
	Cloud string
	Label string
	Nodes []string
}

type EventProvisionFailed struct {
	Cloud string
	Node  string
	Error string
}

// Agents

type EventAgentOnline struct {
	Cloud string
	Agent string
}

type EventAgentReclaimed struct {
	Cloud  string
	Agent  string
	Reason string
}

type EventReclaimFailed struct {
	Cloud  string
	Agent  string
	Reason string
	Error  string
}
