package service

import (
	"fmt"

	"github.com/akshaya12406-byte/expensemanagement/internal/repository"
)

// buildWorkflowGraph projects an approval chain into its node/edge
// visualization: one node per step, one edge per adjacent pair, typed
// "parallel" when both ends share a parallel group and "serial" otherwise.
// Callers rebuild the graph in full after every chain mutation.
func buildWorkflowGraph(steps []repository.ApprovalStep) repository.WorkflowGraph {
	graph := repository.WorkflowGraph{
		Nodes: make([]repository.GraphNode, 0, len(steps)),
		Edges: make([]repository.GraphEdge, 0),
	}

	for i := range steps {
		step := &steps[i]
		graph.Nodes = append(graph.Nodes, repository.GraphNode{
			ID:     graphNodeID(step, i),
			Label:  step.Role,
			Status: step.DisplayStatus(),
			Metadata: map[string]any{
				"level":              step.Level,
				"required_approvals": step.RequiredApprovals,
				"approvals_received": step.ApprovalsReceived,
				"auto_approved":      step.AutoApproved,
			},
		})

		if i > 0 {
			prev := &steps[i-1]
			edgeType := "serial"
			if step.ParallelGroupID != "" && step.ParallelGroupID == prev.ParallelGroupID {
				edgeType = "parallel"
			}
			graph.Edges = append(graph.Edges, repository.GraphEdge{
				From: graphNodeID(prev, i-1),
				To:   graphNodeID(step, i),
				Type: edgeType,
			})
		}
	}

	return graph
}

func graphNodeID(step *repository.ApprovalStep, index int) string {
	if step.ParallelGroupID != "" {
		return fmt.Sprintf("%d-%s-%d", step.Level, step.ParallelGroupID, index)
	}
	return fmt.Sprintf("%d-%d", step.Level, index)
}
