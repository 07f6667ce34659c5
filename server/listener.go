package server

import (
	"net"
	"time"

	"github.com/coriger/rtbkit/metrics"
)

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln *tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

type monitorableConnection struct {
	net.Conn
	stats metrics.Scope
}

type monitorableListener struct {
	*net.TCPListener
	stats metrics.Scope
}

func (l *monitorableConnection) Close() error {
	l.stats.Inc("connectionClosed")
	return l.Conn.Close()
}

func (ln *monitorableListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}

	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	ln.stats.Inc("connectionAccepted")
	return &monitorableConnection{
		tc,
		ln.stats,
	}, nil
}
