package stack

import (
	"context"

	"github.com/coriger/rtbkit/adapters"
	"github.com/coriger/rtbkit/exchange"
	"github.com/coriger/rtbkit/router"
)

// Readiness is sent exactly once by a starting component. Addrs holds the addresses it bound,
// keyed by role. Err is set when the component could not start.
type Readiness struct {
	Component string
	Addrs     map[string]string
	Err       error
}

// Component is one startable part of a stack.
type Component interface {
	Name() string
	Start(ctx context.Context) <-chan Readiness
	Shutdown(ctx context.Context)
}

func startAsync(name string, start func() (map[string]string, error)) <-chan Readiness {
	ch := make(chan Readiness, 1)
	go func() {
		addrs, err := start()
		ch <- Readiness{Component: name, Addrs: addrs, Err: err}
	}()
	return ch
}

type routerComponent struct {
	router *router.Router
}

func (c *routerComponent) Name() string {
	return "router"
}

func (c *routerComponent) Start(ctx context.Context) <-chan Readiness {
	return startAsync(c.Name(), func() (map[string]string, error) {
		if err := c.router.Start(ctx); err != nil {
			return nil, err
		}
		return map[string]string{
			"wins":   c.router.WinAddr(),
			"events": c.router.EventAddr(),
		}, nil
	})
}

func (c *routerComponent) Shutdown(ctx context.Context) {
	c.router.Shutdown(ctx)
}

type connectorComponent struct {
	connector *exchange.Connector
}

func (c *connectorComponent) Name() string {
	return "exchange." + string(c.connector.Type())
}

func (c *connectorComponent) Start(ctx context.Context) <-chan Readiness {
	return startAsync(c.Name(), func() (map[string]string, error) {
		if err := c.connector.Start(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"bids": c.connector.Addr()}, nil
	})
}

func (c *connectorComponent) Shutdown(ctx context.Context) {
	c.connector.Shutdown(ctx)
}

type bidderComponent struct {
	bidder adapters.BidderInterface
}

func (c *bidderComponent) Name() string {
	return "bidder." + c.bidder.Name()
}

func (c *bidderComponent) Start(ctx context.Context) <-chan Readiness {
	return startAsync(c.Name(), func() (map[string]string, error) {
		return nil, c.bidder.Start(ctx)
	})
}

func (c *bidderComponent) Shutdown(ctx context.Context) {
	c.bidder.Shutdown()
}
