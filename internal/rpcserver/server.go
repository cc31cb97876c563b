package rpcserver

/*
 talond exposes its RPC surface over a simple framed protocol: each
 client opens a TCP connection, performs a version handshake, then sends
 MsgPack-encoded requests and waits for responses. Every request carries
 a Command string and a client-chosen Seq that is echoed back, so a
 client may pipeline a status query behind a long-running motion
 command on a second connection.

 The caller identity used for access control is the peer's host
 address; the dispatcher checks it against the configured control list
 on every command except ping and report-status.
*/

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/mitchellh/mapstructure"

	"github.com/openobs/talond/internal/dispatcher"
	"github.com/openobs/talond/internal/status"
)

const (
	MinRPCVersion = 1
	MaxRPCVersion = 1
)

const (
	handshakeCommand      = "handshake"
	initializeCommand     = "initialize"
	shutdownCommand       = "shutdown"
	findHomesCommand      = "find-homes"
	findLimitsCommand     = "find-limits"
	stopCommand           = "stop"
	slewAltAzCommand      = "slew-altaz"
	slewHADecCommand      = "slew-hadec"
	slewRADecCommand      = "slew-radec"
	trackRADecCommand     = "track-radec"
	offsetRADecCommand    = "offset-radec"
	parkCommand           = "park"
	telescopeFocusCommand = "telescope-focus"
	pingCommand           = "ping"
	reportStatusCommand   = "report-status"
)

const (
	unsupportedCommand    = "Unsupported command"
	unsupportedRPCVersion = "Unsupported RPC version"
	duplicateHandshake    = "Handshake already performed"
	handshakeRequired     = "Handshake required"
)

type handshakeRequest struct {
	Command string
	Seq     int
	Version int
}

type slewRequest struct {
	Command string
	Seq     int
	Coord1  float64
	Coord2  float64
}

type offsetRequest struct {
	Command     string
	Seq         int
	DeltaRADeg  float64
	DeltaDecDeg float64
}

type parkRequest struct {
	Command string
	Seq     int
	Name    string
}

type focusRequest struct {
	Command  string
	Seq      int
	TargetUm float64
}

type errorSeqResponse struct {
	Seq   int
	Error string
}

type commandResponse struct {
	Seq    int
	Error  string
	Result int
	Label  string
}

type statusResponse struct {
	Seq    int
	Error  string
	Status status.Report
}

// Commander is the operation surface the server dispatches into,
// implemented by dispatcher.Daemon.
type Commander interface {
	Initialize(ctx context.Context, callerID string) dispatcher.ResultCode
	Shutdown(callerID string) dispatcher.ResultCode
	FindHomes(callerID string) dispatcher.ResultCode
	FindLimits(callerID string) dispatcher.ResultCode
	Stop(callerID string) dispatcher.ResultCode
	SlewAltAz(callerID string, altDeg, azDeg float64) dispatcher.ResultCode
	SlewHADec(callerID string, haDeg, decDeg float64) dispatcher.ResultCode
	SlewRADec(callerID string, raDeg, decDeg float64) dispatcher.ResultCode
	TrackRADec(callerID string, raDeg, decDeg float64) dispatcher.ResultCode
	OffsetRADec(callerID string, deltaRADeg, deltaDecDeg float64) dispatcher.ResultCode
	Park(callerID, name string) dispatcher.ResultCode
	TelescopeFocus(callerID string, targetUm float64) dispatcher.ResultCode
	Ping() dispatcher.ResultCode
}

// StatusSource produces the status record; report-status never fails
// and never consults the control list.
type StatusSource interface {
	Report() status.Report
}

// Server accepts RPC clients and dispatches their commands.
type Server struct {
	sync.Mutex
	commander Commander
	reporter  StatusSource
	clients   map[string]*rpcClient
	listener  net.Listener
	logger    *log.Logger
	stop      bool
	stopCh    chan struct{}
}

type rpcClient struct {
	mapstructure.DecoderConfig
	name      string
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	dec       *codec.Decoder
	enc       *codec.Encoder
	writeLock sync.Mutex
	mapper    *mapstructure.Decoder
	version   int // From the handshake, 0 before
}

// send is used to send an object using the MsgPack encoding. send
// is serialized to prevent write overlaps, while properly buffering.
func (c *rpcClient) send(obj interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := c.enc.Encode(obj); err != nil {
		return err
	}

	if err := c.writer.Flush(); err != nil {
		return err
	}

	return nil
}

// callerID is the identity passed to access control: the host portion
// of the peer address.
func (c *rpcClient) callerID() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

// NewServer creates a server around an accepted listener and starts
// accepting clients immediately.
func NewServer(commander Commander, reporter StatusSource, listener net.Listener, logger *log.Logger) *Server {
	s := &Server{
		commander: commander,
		reporter:  reporter,
		clients:   make(map[string]*rpcClient),
		listener:  listener,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	go s.listen()
	return s
}

// Shutdown closes the listener and all client connections.
func (s *Server) Shutdown() {
	s.Lock()
	defer s.Unlock()

	if s.stop {
		return
	}

	s.stop = true
	close(s.stopCh)
	s.listener.Close()

	for _, client := range s.clients {
		client.conn.Close()
	}
}

// listen is a long running routine that listens for new clients
func (s *Server) listen() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stop {
				return
			}
			s.logger.Printf("[ERR] rpcserver: failed to accept client: %v", err)
			continue
		}

		client := &rpcClient{
			DecoderConfig: mapstructure.DecoderConfig{
				ErrorUnused: true,
				Result:      &struct{}{},
			},
			name:   conn.RemoteAddr().String(),
			conn:   conn,
			reader: bufio.NewReader(conn),
			writer: bufio.NewWriter(conn),
		}
		client.dec = codec.NewDecoder(client.reader, &codec.MsgpackHandle{RawToString: true})
		client.enc = codec.NewEncoder(client.writer, &codec.MsgpackHandle{})
		client.mapper, err = mapstructure.NewDecoder(&client.DecoderConfig)
		if err != nil {
			s.logger.Printf("[ERR] rpcserver: failed to create decoder: %v", err)
			conn.Close()
			continue
		}

		s.Lock()
		if !s.stop {
			s.clients[client.name] = client
			go s.handleClient(client)
		} else {
			conn.Close()
		}
		s.Unlock()
	}
}

// deregisterClient is called to cleanup after a client disconnects
func (s *Server) deregisterClient(client *rpcClient) {
	client.conn.Close()

	s.Lock()
	delete(s.clients, client.name)
	s.Unlock()
}

// handleClient is a long running routine that handles a single client
func (s *Server) handleClient(client *rpcClient) {
	defer s.deregisterClient(client)
	for {
		var req map[string]interface{}
		if err := client.dec.Decode(&req); err != nil {
			if err != io.EOF {
				s.logger.Printf("[ERR] rpcserver: failed to decode client request: %v", err)
			}
			return
		}

		if err := s.handleRequest(client, req); err != nil {
			s.logger.Printf("[ERR] rpcserver: failed to evaluate client request: %v", err)
			return
		}
	}
}

// getField tries to get a field from a request, checking both the upper
// and lower case variants. The field should be provided as title cased.
func getField(req map[string]interface{}, field string) (interface{}, bool) {
	if val, ok := req[field]; ok {
		return val, ok
	}
	val, ok := req[strings.ToLower(field)]
	return val, ok
}

// handleRequest is used to evaluate a single client command
func (s *Server) handleRequest(client *rpcClient, req map[string]interface{}) error {
	commandRaw, ok := getField(req, "Command")
	if !ok {
		return fmt.Errorf("missing command field: %#v", req)
	}
	command, ok := commandRaw.(string)
	if !ok {
		return fmt.Errorf("command field not a string: %#v", req)
	}

	// The codec hands back integers as int64 or uint64 depending on how
	// the client encoded them.
	var seq int
	if seqRaw, ok := getField(req, "Seq"); ok {
		switch v := seqRaw.(type) {
		case int:
			seq = v
		case int64:
			seq = int(v)
		case uint64:
			seq = int(v)
		}
	}

	// Ensure the handshake is performed before other commands
	if command != handshakeCommand && client.version == 0 {
		client.send(&errorSeqResponse{Error: handshakeRequired, Seq: seq})
		return fmt.Errorf(handshakeRequired)
	}

	switch command {
	case handshakeCommand:
		return s.handleHandshake(client, req)

	case initializeCommand:
		code := s.commander.Initialize(context.Background(), client.callerID())
		return s.sendResult(client, seq, code)

	case shutdownCommand:
		return s.sendResult(client, seq, s.commander.Shutdown(client.callerID()))

	case findHomesCommand:
		return s.sendResult(client, seq, s.commander.FindHomes(client.callerID()))

	case findLimitsCommand:
		return s.sendResult(client, seq, s.commander.FindLimits(client.callerID()))

	case stopCommand:
		return s.sendResult(client, seq, s.commander.Stop(client.callerID()))

	case slewAltAzCommand, slewHADecCommand, slewRADecCommand, trackRADecCommand:
		return s.handleSlew(client, command, req)

	case offsetRADecCommand:
		return s.handleOffset(client, req)

	case parkCommand:
		return s.handlePark(client, req)

	case telescopeFocusCommand:
		return s.handleFocus(client, req)

	case pingCommand:
		return s.sendResult(client, seq, s.commander.Ping())

	case reportStatusCommand:
		return client.send(&statusResponse{Seq: seq, Status: s.reporter.Report()})

	default:
		client.send(&errorSeqResponse{Error: unsupportedCommand, Seq: seq})
		return fmt.Errorf("command '%s' not recognized", command)
	}
}

func (s *Server) sendResult(client *rpcClient, seq int, code dispatcher.ResultCode) error {
	return client.send(&commandResponse{
		Seq:    seq,
		Result: int(code),
		Label:  code.String(),
	})
}

func (s *Server) handleHandshake(client *rpcClient, raw map[string]interface{}) error {
	var req handshakeRequest
	client.Result = &req
	if err := client.mapper.Decode(raw); err != nil {
		return fmt.Errorf("decode failed: %v", err)
	}

	resp := errorSeqResponse{Seq: req.Seq}
	if req.Version < MinRPCVersion || req.Version > MaxRPCVersion {
		resp.Error = unsupportedRPCVersion
	} else if client.version != 0 {
		resp.Error = duplicateHandshake
	} else {
		client.version = req.Version
	}

	if err := client.send(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf(resp.Error)
	}
	return nil
}

func (s *Server) handleSlew(client *rpcClient, command string, raw map[string]interface{}) error {
	var req slewRequest
	client.Result = &req
	if err := client.mapper.Decode(raw); err != nil {
		return fmt.Errorf("decode failed: %v", err)
	}

	var code dispatcher.ResultCode
	switch command {
	case slewAltAzCommand:
		code = s.commander.SlewAltAz(client.callerID(), req.Coord1, req.Coord2)
	case slewHADecCommand:
		code = s.commander.SlewHADec(client.callerID(), req.Coord1, req.Coord2)
	case slewRADecCommand:
		code = s.commander.SlewRADec(client.callerID(), req.Coord1, req.Coord2)
	case trackRADecCommand:
		code = s.commander.TrackRADec(client.callerID(), req.Coord1, req.Coord2)
	}
	return s.sendResult(client, req.Seq, code)
}

func (s *Server) handleOffset(client *rpcClient, raw map[string]interface{}) error {
	var req offsetRequest
	client.Result = &req
	if err := client.mapper.Decode(raw); err != nil {
		return fmt.Errorf("decode failed: %v", err)
	}
	code := s.commander.OffsetRADec(client.callerID(), req.DeltaRADeg, req.DeltaDecDeg)
	return s.sendResult(client, req.Seq, code)
}

func (s *Server) handlePark(client *rpcClient, raw map[string]interface{}) error {
	var req parkRequest
	client.Result = &req
	if err := client.mapper.Decode(raw); err != nil {
		return fmt.Errorf("decode failed: %v", err)
	}
	code := s.commander.Park(client.callerID(), req.Name)
	return s.sendResult(client, req.Seq, code)
}

func (s *Server) handleFocus(client *rpcClient, raw map[string]interface{}) error {
	var req focusRequest
	client.Result = &req
	if err := client.mapper.Decode(raw); err != nil {
		return fmt.Errorf("decode failed: %v", err)
	}
	code := s.commander.TelescopeFocus(client.callerID(), req.TargetUm)
	return s.sendResult(client, req.Seq, code)
}
