// Package executor runs a flow's block graph in dependency order and records
// every step in the execution store.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the outcome of one graph run. On failure OutputsByNode still
// holds every output produced before the failing node.
type Result struct {
	Status        Status
	OutputsByNode map[string]json.RawMessage
	Error         string
	FailedNodeID  string
	Err           error
}

// NodeInvoker runs the block behind a single node.
type NodeInvoker interface {
	InvokeNode(ctx context.Context, node *models.Node, input json.RawMessage) (json.RawMessage, error)
}

type NodeInvokerFunc func(ctx context.Context, node *models.Node, input json.RawMessage) (json.RawMessage, error)

func (f NodeInvokerFunc) InvokeNode(ctx context.Context, node *models.Node, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, node, input)
}

// Executor walks a graph sequentially. The first failing node stops the run;
// nothing is retried here.
type Executor struct {
	invoker NodeInvoker
	tracer  trace.Tracer
}

func New(invoker NodeInvoker, tracer trace.Tracer) *Executor {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &Executor{invoker: invoker, tracer: tracer}
}

func (e *Executor) Execute(
	ctx context.Context, flowID string, nodes []models.Node, edges []models.Edge, input json.RawMessage,
) *Result {
	result := &Result{
		Status:        StatusSuccess,
		OutputsByNode: make(map[string]json.RawMessage, len(nodes)),
	}

	graph, err := NewGraph(nodes, edges)
	if err != nil {
		return result.fail("", err.Error(), err)
	}

	order, err := graph.Order()
	if err != nil {
		return result.fail("", err.Error(), err)
	}

	for _, id := range order {
		node := graph.Node(id)

		if err := ctx.Err(); err != nil {
			return result.fail(id, nodeFailure(node, err), err)
		}

		nodeInput, err := graph.GatherInput(id, input, result.OutputsByNode)
		if err != nil {
			return result.fail(id, nodeFailure(node, err), err)
		}

		output, err := e.invoke(ctx, flowID, node, nodeInput)
		if err != nil {
			return result.fail(id, nodeFailure(node, err), err)
		}

		result.OutputsByNode[id] = output
	}

	return result
}

func (e *Executor) invoke(ctx context.Context, flowID string, node *models.Node, input json.RawMessage) (json.RawMessage, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "node.run",
		attribute.String(otelhelper.FlowIDKey, flowID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.BlockIDKey, node.BlockID),
	)
	defer span.End()

	output, err := e.invoker.InvokeNode(ctx, node, input)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	return output, nil
}

func (r *Result) fail(nodeID, message string, err error) *Result {
	r.Status = StatusError
	r.FailedNodeID = nodeID
	r.Error = message
	r.Err = err

	return r
}

func nodeFailure(node *models.Node, err error) string {
	return fmt.Sprintf("Node %s failed: %s", node.DisplayName(), err.Error())
}
