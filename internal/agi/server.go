package agi

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattiIce/PBX-sub007/internal/trunkmgr"
)

// AGI response codes
const (
	agiSuccess = "200 result=1"
	agiFailure = "200 result=0"
)

// activeCall tracks a channel allocation between the route request and the
// hangup request for the same call.
type activeCall struct {
	trunkID   string
	startTime time.Time
}

// Server is the FastAGI front-end the dialplan calls to route outbound
// calls through the trunk orchestrator.
type Server struct {
	manager     *trunkmgr.Manager
	listenPort  int
	listener    net.Listener
	connections sync.WaitGroup
	shutdown    chan struct{}
	activeCalls sync.Map // call id -> *activeCall
}

// Session is a single AGI conversation with Asterisk.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	headers   map[string]string
	server    *Server
	id        string
	startTime time.Time
}

// NewServer creates a new AGI server instance.
func NewServer(manager *trunkmgr.Manager, port int) *Server {
	return &Server{
		manager:    manager,
		listenPort: port,
		shutdown:   make(chan struct{}),
	}
}

// Start listens for AGI connections until Stop is called.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", s.listenPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %v", s.listenPort, err)
	}

	log.Printf("[AGI] Server listening on port %d", s.listenPort)

	for {
		select {
		case <-s.shutdown:
			log.Println("[AGI] Server shutting down...")
			return nil
		default:
			// Accept with a deadline so shutdown is observed promptly
			s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(1 * time.Second))
			conn, err := s.listener.Accept()
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				log.Printf("[AGI] Error accepting connection: %v", err)
				continue
			}

			s.connections.Add(1)
			go s.handleConnection(conn)
		}
	}
}

// Stop gracefully stops the AGI server.
func (s *Server) Stop() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	s.connections.Wait()
	log.Println("[AGI] Server stopped")
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.connections.Done()

	session := &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		headers:   make(map[string]string),
		server:    s,
		id:        uuid.NewString(),
		startTime: time.Now(),
	}
	defer session.close()

	if err := session.readHeaders(); err != nil {
		log.Printf("[AGI] Error reading headers: %v", err)
		return
	}

	session.processRequest()

	log.Printf("[AGI] Session %s completed (duration %v)", session.id, time.Since(session.startTime))
}

func (s *Session) readHeaders() error {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("error reading header: %v", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			s.headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return nil
}

func (s *Session) processRequest() {
	request := s.headers["agi_request"]
	if request == "" {
		log.Printf("[AGI] No request found in headers")
		s.sendResponse(agiFailure)
		return
	}

	switch {
	case strings.Contains(request, "routeOutbound"):
		s.handleRouteOutbound()
	case strings.Contains(request, "hangup"):
		s.handleHangup()
	default:
		log.Printf("[AGI] Unknown request type: %s", request)
		s.sendResponse(agiFailure)
	}
}

// handleRouteOutbound routes a dialed number with failover, allocates a
// channel on the selected trunk and hands the dial target back to the
// dialplan via channel variables.
func (s *Session) handleRouteOutbound() {
	callID := s.headers["agi_uniqueid"]
	fromExt := s.headers["agi_callerid"]
	number := s.headers["agi_extension"]

	log.Printf("[AGI] Route request: call %s, extension %s -> %s", callID, fromExt, number)

	t, dial, err := s.server.manager.RouteOutboundWithFailover(number)
	if err != nil {
		s.setVariable("TRUNK_STATUS", "failed")
		s.setVariable("TRUNK_ERROR", err.Error())
		s.sendResponse(agiSuccess)
		return
	}

	if !t.AllocateChannel() {
		log.Printf("[AGI] Trunk %s lost capacity before allocation for %s", t.ID(), number)
		s.setVariable("TRUNK_STATUS", "failed")
		s.setVariable("TRUNK_ERROR", trunkmgr.ErrNoRoute.Error())
		s.sendResponse(agiSuccess)
		return
	}

	s.server.activeCalls.Store(callID, &activeCall{trunkID: t.ID(), startTime: time.Now()})

	s.setVariable("TRUNK_STATUS", "success")
	s.setVariable("TRUNK_ID", t.ID())
	s.setVariable("TRUNK_HOST", fmt.Sprintf("%s:%d", t.Host(), t.Port()))
	s.setVariable("DIAL_NUMBER", dial)
	s.sendResponse(agiSuccess)

	log.Printf("[AGI] Call %s routed to trunk %s (dialing %s)", callID, t.ID(), dial)
}

// handleHangup records the call result against the trunk that carried it
// and releases the allocated channel.
func (s *Session) handleHangup() {
	callID := s.headers["agi_uniqueid"]
	dialStatus := s.getVariable("DIALSTATUS")

	v, ok := s.server.activeCalls.LoadAndDelete(callID)
	if !ok {
		log.Printf("[AGI] Hangup for unknown call %s", callID)
		s.sendResponse(agiSuccess)
		return
	}
	call := v.(*activeCall)

	success := dialStatus == "ANSWER"
	setup := time.Duration(0)
	if success {
		setup = time.Since(call.startTime)
	}
	s.server.manager.RecordCallResult(call.trunkID, success, setup, dialStatus)

	log.Printf("[AGI] Call %s on trunk %s ended (%s)", callID, call.trunkID, dialStatus)
	s.sendResponse(agiSuccess)
}

// setVariable sets a channel variable.
func (s *Session) setVariable(name, value string) error {
	cmd := fmt.Sprintf("SET VARIABLE %s \"%s\"", name, value)
	if err := s.sendCommand(cmd); err != nil {
		return err
	}
	_, err := s.readResponse()
	return err
}

// getVariable gets a channel variable.
func (s *Session) getVariable(name string) string {
	if err := s.sendCommand(fmt.Sprintf("GET VARIABLE %s", name)); err != nil {
		return ""
	}

	response, err := s.readResponse()
	if err != nil {
		return ""
	}

	// Parse response: "200 result=1 (value)"
	if strings.Contains(response, "result=1") {
		start := strings.Index(response, "(")
		end := strings.LastIndex(response, ")")
		if start > 0 && end > start {
			return response[start+1 : end]
		}
	}
	return ""
}

func (s *Session) sendCommand(cmd string) error {
	if _, err := s.writer.WriteString(cmd + "\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Session) readResponse() (string, error) {
	response, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response), nil
}

func (s *Session) sendResponse(response string) {
	s.writer.WriteString(response + "\n")
	s.writer.Flush()
}

func (s *Session) close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// GetStats returns server statistics.
func (s *Server) GetStats() map[string]interface{} {
	activeCount := 0
	s.activeCalls.Range(func(key, value interface{}) bool {
		activeCount++
		return true
	})

	return map[string]interface{}{
		"active_calls": activeCount,
		"port":         s.listenPort,
	}
}
