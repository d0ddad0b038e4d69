package router

import (
	"strings"

	"github.com/jmerrifield20/axial/pkg/plan"
	"go.uber.org/zap"
)

// Decompose turns a goal into a plan using fixed rules. A goal mentioning
// "refactor" becomes analyze -> edit -> test; anything else becomes one
// generic task carrying the goal text.
func (r *Router) Decompose(goal string) *plan.PlanPacket {
	p := plan.New("Plan for: " + goal)

	if strings.Contains(goal, "refactor") {
		p.AddNode("analyze", "research", map[string]any{"goal": "Analyze codebase for refactoring targets"})
		p.AddNode("edit", "coding", map[string]any{"goal": "Apply refactoring changes"})
		p.AddNode("test", "verification", map[string]any{"goal": "Verify changes with tests"})
		p.AddEdge("analyze", "edit")
		p.AddEdge("edit", "test")
	} else {
		p.AddNode("generic-task", "nlp", map[string]any{"goal": goal})
	}

	r.logger.Info("goal decomposed",
		zap.String("plan_id", p.ID.String()),
		zap.Int("nodes", len(p.Graph.Nodes)),
	)
	return p
}
