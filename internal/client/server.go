// Package client implements the TCP client channel: length-delimited JSON
// commands, binary log downloads and push notifications for order
// transitions and alerts.
package client

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maotrade/internal/config"
	"maotrade/internal/core"
	"maotrade/internal/engine"
	"maotrade/pkg/concurrency"
)

// pushService is the pseudo-service number of unsolicited notifications.
const pushService = 0

type clientConn struct {
	id   int
	conn net.Conn
	out  chan outFrame
	done chan struct{}
}

type outFrame struct {
	resp    *Response
	payload []byte
}

// Server is the client channel listener. Each accepted connection gets a
// reader slot in a bounded worker pool; past the cap, connections are
// refused.
type Server struct {
	cfg    config.ServerConfig
	engine *engine.Engine
	logger core.ILogger
	logDir string

	pool     *concurrency.WorkerPool
	listener net.Listener

	mu     sync.Mutex
	conns  map[int]*clientConn
	nextID int
	closed bool
}

// NewServer creates a client channel server bound to the engine. logDir is
// where the log service finds the per-day log files.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, logDir string, logger core.ILogger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger.WithField("component", "client_channel"),
		logDir: logDir,
		conns:  make(map[int]*clientConn),
	}
	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "client_channel",
		MaxWorkers:  cfg.MaxClients,
		MaxCapacity: cfg.MaxClients,
		NonBlocking: true,
	}, logger)

	eng.AddListener(s.broadcast)
	return s
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("client channel listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Client channel listening", "port", s.cfg.Port, "max_clients", s.cfg.MaxClients)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Error("Accept failed", "error", err)
			continue
		}

		c := s.register(conn)
		if err := s.pool.Submit(func() { s.serveConn(c) }); err != nil {
			// Connection cap reached.
			s.logger.Warn("Client refused, connection cap reached", "remote", conn.RemoteAddr().String())
			s.unregister(c)
			_ = conn.Close()
		}
	}
}

// Close stops the listener and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.conn.Close()
	}
	s.pool.Stop()
}

func (s *Server) register(conn net.Conn) *clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &clientConn{id: s.nextID, conn: conn, out: make(chan outFrame, 32), done: make(chan struct{})}
	s.conns[c.id] = c
	return c
}

func (s *Server) unregister(c *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

// serveConn runs the read loop for one connection; a companion goroutine
// drains the outbound queue so engine-side replies never block the loop.
// The out channel is never closed: a broadcast or late reply may still
// hold a reference to the conn after teardown, so the writer is stopped
// through done and stray frames are left for the collector.
func (s *Server) serveConn(c *clientConn) {
	defer func() {
		s.unregister(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case f := <-c.out:
				var err error
				if f.payload != nil {
					err = writeBinaryFrame(c.conn, f.resp, f.payload)
				} else {
					err = writeFrame(c.conn, f.resp)
				}
				if err != nil {
					s.logger.Warn("Client write failed", "socket", c.id, "error", err)
					_ = c.conn.Close()
					return
				}
			}
		}
	}()

	reader := bufio.NewReader(c.conn)
	for {
		req, err := readFrame(reader)
		if err != nil {
			s.logger.Info("Client disconnected", "socket", c.id)
			return
		}
		s.dispatch(c, req)
	}
}

func (s *Server) send(c *clientConn, resp *Response, payload []byte) {
	select {
	case <-c.done:
	case c.out <- outFrame{resp: resp, payload: payload}:
	default:
		s.logger.Warn("Client outbound queue full, dropping frame", "socket", c.id)
	}
}

func (s *Server) dispatch(c *clientConn, req *Request) {
	if req.Service == engine.ServiceLog {
		s.serveLogDownload(c, req)
		return
	}

	accepted := s.engine.Submit(&engine.Command{
		Service: req.Service,
		OpID:    req.SrvOpID,
		Data:    req.Data,
		Reply: func(data map[string]interface{}) {
			s.send(c, &Response{Service: req.Service, SrvOpID: req.SrvOpID, Data: data}, nil)
		},
	})
	if !accepted {
		s.send(c, &Response{
			Service: req.Service,
			SrvOpID: req.SrvOpID,
			Data:    map[string]interface{}{"result": "error", "message": "engine queue full"},
		}, nil)
	}
}

type logRequest struct {
	Date string `json:"date"`
}

// serveLogDownload zips the requested day's log files and streams them as
// a binary frame. Handled locally; the engine loop is not involved.
func (s *Server) serveLogDownload(c *clientConn, req *Request) {
	var lr logRequest
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &lr); err != nil {
			s.send(c, &Response{Service: req.Service, SrvOpID: req.SrvOpID,
				Data: map[string]interface{}{"result": "error", "message": "bad request"}}, nil)
			return
		}
	}
	if lr.Date == "" {
		lr.Date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", lr.Date); err != nil {
		s.send(c, &Response{Service: req.Service, SrvOpID: req.SrvOpID,
			Data: map[string]interface{}{"result": "error", "message": "date must be YYYY-MM-DD"}}, nil)
		return
	}

	payload, count, err := zipLogs(s.logDir, lr.Date)
	if err != nil {
		s.send(c, &Response{Service: req.Service, SrvOpID: req.SrvOpID,
			Data: map[string]interface{}{"result": "error", "message": err.Error()}}, nil)
		return
	}
	s.send(c, &Response{
		Service: req.Service,
		SrvOpID: req.SrvOpID,
		Data: map[string]interface{}{
			"result":   "ok",
			"date":     lr.Date,
			"files":    count,
			"filename": "logs-" + lr.Date + ".zip",
		},
	}, payload)
}

// zipLogs packs every log file whose name carries the date into a zip
// archive.
func zipLogs(dir, date string) ([]byte, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("log directory: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), date) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		f, err := zw.Create(entry.Name())
		if err != nil {
			_ = zw.Close()
			return nil, 0, err
		}
		if _, err := f.Write(data); err != nil {
			_ = zw.Close()
			return nil, 0, err
		}
		count++
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), count, nil
}

// broadcast pushes an engine notification to every connected client.
func (s *Server) broadcast(n engine.Notification) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.send(c, &Response{Service: pushService, Data: n}, nil)
	}
}
