package radius

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc3576"
)

// Error-Cause attribute values (RFC 5176)
const (
	ErrorCauseResidualSessionContextRemoved = 201
	ErrorCauseMissingAttribute              = 402
	ErrorCauseNASIdentificationMismatch     = 403
	ErrorCauseInvalidRequest                = 404
	ErrorCauseUnsupportedService            = 405
	ErrorCauseUnsupportedExtension          = 406
	ErrorCauseAdministrativelyProhibited    = 501
	ErrorCauseSessionContextNotFound        = 503
	ErrorCauseSessionContextNotRemovable    = 504
	ErrorCauseResourcesUnavailable          = 506
	ErrorCauseRequestInitiatedByNAS         = 508
)

// DefaultCoAPort is the standard dynamic authorization port.
const DefaultCoAPort = 3799

// DisconnectClient sends Disconnect-Request packets to NAS devices.
type DisconnectClient struct {
	secret     string
	nasSecrets map[string]string
	port       int
	timeout    time.Duration
	retries    int
	logger     *zap.Logger

	mu    sync.Mutex
	stats DisconnectClientStats
}

// DisconnectClientConfig configures the Disconnect-Request client.
type DisconnectClientConfig struct {
	Secret     string            // Default shared secret
	NASSecrets map[string]string // Per-NAS secret overrides keyed by NAS IP
	Port       int               // Default 3799
	Timeout    time.Duration     // Per-attempt timeout
	Retries    int               // Attempts per request
}

// DisconnectRequest identifies the session to drop.
type DisconnectRequest struct {
	NASAddress string // host or host:port
	Username   string
	SessionID  string // Acct-Session-Id
	FramedIP   net.IP
}

// DisconnectResponse is the NAS answer.
type DisconnectResponse struct {
	Acked      bool
	ErrorCause uint32
	Message    string
}

// DisconnectClientStats counts client outcomes.
type DisconnectClientStats struct {
	Sent   uint64
	Acks   uint64
	Naks   uint64
	Errors uint64
}

// NewDisconnectClient creates a new Disconnect-Request client.
func NewDisconnectClient(cfg DisconnectClientConfig, logger *zap.Logger) (*DisconnectClient, error) {
	if cfg.Secret == "" && len(cfg.NASSecrets) == 0 {
		return nil, fmt.Errorf("RADIUS secret required")
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultCoAPort
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = 1
	}

	return &DisconnectClient{
		secret:     cfg.Secret,
		nasSecrets: cfg.NASSecrets,
		port:       port,
		timeout:    timeout,
		retries:    retries,
		logger:     logger,
	}, nil
}

// Disconnect sends a Disconnect-Request and waits for ACK or NAK. A NAK is
// returned as a response, not an error; transport failures are errors.
func (c *DisconnectClient) Disconnect(ctx context.Context, req *DisconnectRequest) (*DisconnectResponse, error) {
	if req.NASAddress == "" {
		return nil, fmt.Errorf("NAS address required")
	}
	if req.Username == "" && req.SessionID == "" {
		return nil, fmt.Errorf("username or session ID required")
	}

	host, addr := c.resolveAddr(req.NASAddress)
	secret := c.secretFor(host)
	if secret == "" {
		return nil, fmt.Errorf("no RADIUS secret for NAS %s", host)
	}

	packet := radius.New(radius.CodeDisconnectRequest, []byte(secret))
	if req.Username != "" {
		rfc2865.UserName_SetString(packet, req.Username)
	}
	if req.SessionID != "" {
		rfc2866.AcctSessionID_SetString(packet, req.SessionID)
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		rfc2865.NASIPAddress_Set(packet, ip)
	}
	if req.FramedIP != nil {
		rfc2865.FramedIPAddress_Set(packet, req.FramedIP)
	}

	var response *radius.Packet
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		response, err = radius.Exchange(reqCtx, packet, addr)
		cancel()

		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()

		if err == nil {
			break
		}

		c.logger.Debug("Disconnect-Request failed",
			zap.String("nas", addr),
			zap.String("username", req.Username),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return nil, fmt.Errorf("disconnect request to %s failed: %w", addr, err)
	}

	resp := &DisconnectResponse{}
	switch response.Code {
	case radius.CodeDisconnectACK:
		resp.Acked = true
		c.mu.Lock()
		c.stats.Acks++
		c.mu.Unlock()
	case radius.CodeDisconnectNAK:
		if cause, err := rfc3576.ErrorCause_Lookup(response); err == nil {
			resp.ErrorCause = uint32(cause)
		}
		if msg, err := rfc2865.ReplyMessage_LookupString(response); err == nil {
			resp.Message = msg
		}
		if resp.Message == "" {
			resp.Message = ErrorCauseText(resp.ErrorCause)
		}
		c.mu.Lock()
		c.stats.Naks++
		c.mu.Unlock()
	default:
		return nil, fmt.Errorf("unexpected disconnect response code: %d", response.Code)
	}

	c.logger.Debug("Disconnect-Request complete",
		zap.String("nas", addr),
		zap.String("username", req.Username),
		zap.String("session_id", req.SessionID),
		zap.Bool("acked", resp.Acked),
	)

	return resp, nil
}

// Stats returns client statistics.
func (c *DisconnectClient) Stats() DisconnectClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *DisconnectClient) resolveAddr(nas string) (string, string) {
	host, port, err := net.SplitHostPort(nas)
	if err != nil {
		return nas, net.JoinHostPort(nas, strconv.Itoa(c.port))
	}
	return host, net.JoinHostPort(host, port)
}

func (c *DisconnectClient) secretFor(host string) string {
	if s, ok := c.nasSecrets[host]; ok && s != "" {
		return s
	}
	return c.secret
}

// ErrorCauseText returns a human readable Error-Cause.
func ErrorCauseText(cause uint32) string {
	switch cause {
	case 0:
		return "NAK without Error-Cause"
	case ErrorCauseResidualSessionContextRemoved:
		return "Residual session context removed"
	case ErrorCauseMissingAttribute:
		return "Missing attribute"
	case ErrorCauseNASIdentificationMismatch:
		return "NAS identification mismatch"
	case ErrorCauseInvalidRequest:
		return "Invalid request"
	case ErrorCauseUnsupportedService:
		return "Unsupported service"
	case ErrorCauseUnsupportedExtension:
		return "Unsupported extension"
	case ErrorCauseAdministrativelyProhibited:
		return "Administratively prohibited"
	case ErrorCauseSessionContextNotFound:
		return "Session context not found"
	case ErrorCauseSessionContextNotRemovable:
		return "Session context not removable"
	case ErrorCauseResourcesUnavailable:
		return "Resources unavailable"
	case ErrorCauseRequestInitiatedByNAS:
		return "Request initiated by NAS"
	default:
		return fmt.Sprintf("Error-Cause %d", cause)
	}
}
