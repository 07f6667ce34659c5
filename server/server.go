package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coriger/rtbkit/errortypes"
	"github.com/coriger/rtbkit/metrics"
	"github.com/golang/glog"
)

// Options tune a Server.
type Options struct {
	EnableGzip bool
	// Stats, when set, receives {name}.connectionAccepted and {name}.connectionClosed.
	Stats *metrics.StatsTable
	// ReadTimeout and WriteTimeout default to 15 seconds.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is an http.Server whose listener is bound up front, so that a caller asking for port 0
// knows the actual address before any request can arrive.
type Server struct {
	name     string
	server   *http.Server
	listener net.Listener

	serveOnce sync.Once
	done      chan struct{}
}

// Bind listens on address and prepares a server for handler. Nothing is served until Serve.
func Bind(name, address string, handler http.Handler, opts Options) (*Server, error) {
	listener, err := newListener(name, address, opts.Stats)
	if err != nil {
		return nil, &errortypes.Startup{Component: name, Message: err.Error()}
	}
	return &Server{
		name:     name,
		server:   newHTTPServer(listener.Addr().String(), handler, opts),
		listener: listener,
		done:     make(chan struct{}),
	}, nil
}

func newHTTPServer(address string, handler http.Handler, opts Options) *http.Server {
	var serverHandler = handler
	if opts.EnableGzip {
		serverHandler = gziphandler.GzipHandler(handler)
	}
	readTimeout, writeTimeout := opts.ReadTimeout, opts.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:         address,
		Handler:      serverHandler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}

func (s *Server) Name() string {
	return s.name
}

// Addr is the bound host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts serving in the background. Calling it again has no effect.
func (s *Server) Serve() {
	s.serveOnce.Do(func() {
		go s.run()
	})
}

func (s *Server) run() {
	defer close(s.done)
	glog.Infof("%s server starting on: %s", s.name, s.server.Addr)
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		glog.Errorf("%s server quit with error: %v", s.name, err)
	}
	s.listener.Close()
}

// Shutdown stops accepting requests and waits for the active ones until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serveOnce.Do(func() {
		s.listener.Close()
		close(s.done)
	})
	if err := s.server.Shutdown(ctx); err != nil {
		glog.Errorf("Failed to shutdown %s: %v", s.server.Addr, err)
		return err
	}
	<-s.done
	return nil
}

func newListener(name, address string, stats *metrics.StatsTable) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("Error listening for TCP connections on %s: %v", address, err)
	}

	if casted, ok := ln.(*net.TCPListener); ok {
		if stats != nil {
			return &monitorableListener{casted, stats.Scope(name)}, nil
		}
		return &tcpKeepAliveListener{casted}, nil
	}
	glog.Warning("net.Listen(\"tcp\", \"addr\") didn't return a TCPListener. Things will probably work fine... but this should be investigated.")
	return ln, nil
}

// Listen blocks until SIGTERM or SIGINT, then runs onStop and shuts every server down.
func Listen(onStop func(ctx context.Context), servers ...*Server) {
	stopSignals := make(chan os.Signal, 1)
	signal.Notify(stopSignals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(stopSignals)

	for _, s := range servers {
		s.Serve()
	}
	wait(stopSignals, onStop, servers...)
}

func wait(inbound <-chan os.Signal, onStop func(ctx context.Context), servers ...*Server) {
	sig := <-inbound
	glog.Infof("Stopping because of signal: %s", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if onStop != nil {
		onStop(ctx)
	}

	done := make(chan struct{}, len(servers))
	for _, s := range servers {
		go shutdown(ctx, s, done)
	}
	for range servers {
		<-done
	}
}

func shutdown(ctx context.Context, s *Server, done chan<- struct{}) {
	s.Shutdown(ctx)
	done <- struct{}{}
}
