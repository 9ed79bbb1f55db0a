// Package queue is a transactional outbox: side effects are stored as tasks
// and executed by a Worker that retries failures with exponential backoff and
// moves exhausted or permanently failing tasks to a dead letter table.
//
// Payload types name their tasks:
//
//	type ProvisionResource struct {
//		TenantID uuid.UUID `json:"tenant_id"`
//		Kind     string    `json:"kind"`
//	}
//
//	enq, _ := queue.NewEnqueuer(repo)
//	_ = enq.Enqueue(ctx, ProvisionResource{TenantID: id, Kind: "phone_number"})
//
//	w, _ := queue.NewWorker(repo)
//	w.RegisterHandlers(queue.NewTaskHandler(func(ctx context.Context, p ProvisionResource) error {
//		...
//	}))
//	g.Go(w.Run(ctx))
//
// Handlers run at least once and must be idempotent.
package queue
