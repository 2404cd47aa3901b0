// Package messaging implements request/response on top of topic publish/subscribe.
//
// The transport only offers one-way publishes and topic subscriptions. This
// package adds the correlation layer on top:
//   - RequestResponseClient: publishes a request carrying its private reply
//     topic and a fresh correlation id, then blocks until the matching reply
//     arrives or the timeout elapses
//   - RequestResponseServer: consumes a well-known request topic, raises each
//     request as a RequestEvent to every registered RequestListener and sends
//     replies back to the requester's reply topic
//
// Both are built on one subscription each. A subscription that the broker
// cancelled, whose channel shut down or that was closed is unusable for good:
// every operation then fails with an error matching ErrObjectUnusable and the
// object has to be recreated. Nothing reconnects.
//
// A client serves one outstanding request at a time. Overlapping calls on the
// same client are a usage error; the most recent call owns the correlation
// slot and the earlier one times out. Use one client per concurrent caller.
//
// Example usage:
//
//	server, err := messaging.NewRequestResponseServer(ch, "rpc", "time")
//	if err != nil {
//		return err
//	}
//	server.AddListener(messaging.ListenerFunc(
//		func(ctx context.Context, s *messaging.RequestResponseServer, event *messaging.RequestEvent) error {
//			return s.SendResponse(ctx, event, []byte(time.Now().String()))
//		}))
//
//	client, err := messaging.NewRequestResponseClient(ch, "rpc", "time")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	reply, err := client.PerformRequest(ctx, []byte("what time is it?"), 5*time.Second)
//	if messaging.IsTimeout(err) {
//		// nobody answered in time
//	}
package messaging
