package internal

// ExcessWorkload returns how many slots of queued work are left once the
// capacity already on its way (incoming) and the capacity that came online
// since the workload was last reported (fresh) are accounted for.
func ExcessWorkload(queued, incomingSlots, freshSlots int) int {
	return max(0, queued-incomingSlots-freshSlots)
}
