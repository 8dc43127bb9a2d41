/*
Package client provides a Go client for the Colony status API.

The client wraps the HTTP endpoints served by pkg/api. The CLI uses it, and
so can any tool that needs to inspect or steer a Colony cluster. Non-2xx
replies become *APIError values that unwrap to the matching sentinel
errors, so callers can branch with errors.Is:

	c, err := client.NewClient("master-1:7070")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.StartService("node-2:detector:1"); err != nil {
		switch {
		case errors.Is(err, controller.ErrServiceNotFound):
			// unknown id
		case errors.Is(err, controller.ErrNodeOffline):
			// host not in view
		}
	}

# Event Stream

WatchEvents follows /api/v1/events until the context is cancelled or the
callback returns an error:

	err := c.WatchEvents(ctx, "service.", func(e *events.Event) error {
		fmt.Println(e.Type, e.Metadata[events.MetaServiceID])
		return nil
	})

# Agent Status Page

A Client pointed at an agent's status address can list the replicas it
supervises with AgentServices and stop one locally with StopLocal.

Every call other than WatchEvents times out after 10 seconds.
*/
package client
