// Package api holds the types exchanged between nimbus-server and its
// clients over the admin HTTP API.
package api

import (
	"time"

	"github.com/gammadia/nimbus/cloud"
)

type Status struct {
	Server   Server         `json:"server"`
	Clouds   []Cloud        `json:"clouds"`
	Agents   []*cloud.Agent `json:"agents"`
	Planned  []PlannedNode  `json:"planned"`
	Workload map[string]int `json:"workload"`
}

type Server struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	StartedAt time.Time `json:"started-at"`
}

type Cloud struct {
	Name      string     `json:"name"`
	MaxAgents int `json:"max-agents"`
	// Agents includes the stopped ones, they count against MaxAgents
	Agents    int        `json:"agents"`
	Stopped   int        `json:"stopped"`
	Planned   int        `json:"planned"`
	Templates []Template `json:"templates"`
}

type Template struct {
	ID           string   `json:"id"`
	Description  string   `json:"description,omitempty"`
	Labels       []string `json:"labels"`
	Mode         string   `json:"mode"`
	Slots        int      `json:"slots"`
	MaxAgents    int      `json:"max-agents"`
	Reclaim      string   `json:"reclaim"`
	Failures     int      `json:"failures"`
	Disabled     bool     `json:"disabled"`
	DisableCause string   `json:"disable-cause,omitempty"`
}

type PlannedNode struct {
	Name     string `json:"name"`
	Cloud    string `json:"cloud"`
	Template string `json:"template"`
	Label    string `json:"label"`
	Slots    int    `json:"slots"`
}

type DemandRequest struct {
	Label    string `json:"label"`
	Workload int    `json:"workload"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
