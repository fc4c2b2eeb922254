// Package bus wires interceptor chains to services, transports and clients.
//
// A Bus holds the phase registries, the bus-level interceptor lists, typed
// extensions and named interceptor factories. An Endpoint serves a Service
// over a transport.Destination: every received message runs through an
// inbound chain assembled from the bus, service, endpoint and binding lists,
// in that order. The response runs through the outbound chain; a fault runs
// through the out-fault chain instead. A Client is the calling side and
// matches responses to requests by correlation ID.
//
//	b := bus.New()
//	svc := bus.NewService("orders")
//	bus.Operation(svc, "total", func(ctx context.Context, req TotalRequest) (TotalResponse, error) {
//		return total(req), nil
//	})
//	dest, _ := tr.Destination(ctx, "orders")
//	bus.NewEndpoint(b, svc, bus.JSON(), dest)
//
//	conduit, _ := tr.Conduit(ctx, "orders")
//	client := bus.NewClient(b, bus.JSON(), conduit)
//	err := client.Invoke(ctx, "total", TotalRequest{Items: items}, &resp)
//
// Components given a nil bus use Default. Tests that replace it with
// SetDefault should call ResetDefault when done.
package bus
