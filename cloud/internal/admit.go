package internal

import "math"

// NbAgentsToPlan returns how many agents of slotsPerAgent executors may be
// planned for excessWorkload, given the agents already counted against the
// cloud cap and the template cap. A template cap of zero, or one at least as
// large as the cloud cap, does not apply.
func NbAgentsToPlan(excessWorkload, slotsPerAgent, cloudCount, cloudCap, templateCount, templateCap int) int {
	if excessWorkload <= 0 || slotsPerAgent <= 0 {
		return 0
	}

	agents := min(NbAgentsFor(excessWorkload, slotsPerAgent), cloudCap-cloudCount)
	if templateCap > 0 && templateCap < cloudCap {
		agents = min(agents, templateCap-templateCount)
	}

	return max(agents, 0)
}

// NbAgentsFor returns how many agents of slotsPerAgent executors absorb
// excessWorkload, regardless of any cap.
func NbAgentsFor(excessWorkload, slotsPerAgent int) int {
	if excessWorkload <= 0 || slotsPerAgent <= 0 {
		return 0
	}
	return int(math.Ceil(float64(excessWorkload) / float64(slotsPerAgent)))
}
