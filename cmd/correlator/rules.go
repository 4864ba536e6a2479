package main

import (
	"github.com/randalmurphal/correlator/pkg/correlator/rule"
)

// registerRules declares the rule set for this deployment. The engine
// itself is rule-agnostic: rules ship as separate packages and are
// wired here, each naming the rules it depends on.
func registerRules(_ *rule.Registry) {
	// Example:
	//	registry.Register(topology.NewPredecessorsRule())
	//	registry.Register(topology.NewSuccessorsRule())
	//	registry.Register(priority.NewPriorityRule("priority",
	//	    []string{"topology-predecessors", "topology-successors"}))
}
