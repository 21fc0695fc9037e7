package radius

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"
)

// Prober sends Access-Request packets to the RADIUS servers that consume
// the attribute store, to check what a NAS would see for a username.
type Prober struct {
	servers    []ServerConfig
	nasID      string
	logger     *zap.Logger
	timeout    time.Duration
	retries    int
	currentIdx int
	mu         sync.Mutex
}

// ServerConfig holds RADIUS server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Secret string
}

// ProberConfig holds prober configuration
type ProberConfig struct {
	Servers []ServerConfig
	NASID   string
	Timeout time.Duration
	Retries int
}

// ProbeResult is the server's decision for a username.
type ProbeResult struct {
	Accepted       bool
	ReplyMessage   string
	SessionTimeout uint32
	IdleTimeout    uint32
	Server         string
}

// NewProber creates a new prober
func NewProber(cfg ProberConfig, logger *zap.Logger) (*Prober, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("at least one RADIUS server required")
	}
	nasID := cfg.NASID
	if nasID == "" {
		nasID = "radsync"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = 3
	}

	return &Prober{
		servers: cfg.Servers,
		nasID:   nasID,
		logger:  logger,
		timeout: timeout,
		retries: retries,
	}, nil
}

// Probe sends an Access-Request for username/password and reports the
// decision. Servers are tried in order on transport failure.
func (p *Prober) Probe(ctx context.Context, username, password string) (*ProbeResult, error) {
	var response *radius.Packet
	var err error
	var addr string

	for attempt := 0; attempt < p.retries; attempt++ {
		server := p.getServer()
		addr = fmt.Sprintf("%s:%d", server.Host, server.Port)

		packet := radius.New(radius.CodeAccessRequest, []byte(server.Secret))
		rfc2865.UserName_SetString(packet, username)
		rfc2865.UserPassword_SetString(packet, password)
		rfc2865.NASIdentifier_SetString(packet, p.nasID)
		if err = addMessageAuthenticator(packet, []byte(server.Secret)); err != nil {
			return nil, fmt.Errorf("failed to add message authenticator: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		response, err = radius.Exchange(reqCtx, packet, addr)
		cancel()
		if err == nil {
			break
		}

		p.logger.Warn("RADIUS probe failed, trying next server",
			zap.String("server", addr),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		p.nextServer()
	}
	if err != nil {
		return nil, fmt.Errorf("RADIUS probe failed after %d attempts: %w", p.retries, err)
	}

	result := &ProbeResult{Server: addr}
	switch response.Code {
	case radius.CodeAccessAccept:
		result.Accepted = true
		if v, err := rfc2865.SessionTimeout_Lookup(response); err == nil {
			result.SessionTimeout = uint32(v)
		}
		if v, err := rfc2865.IdleTimeout_Lookup(response); err == nil {
			result.IdleTimeout = uint32(v)
		}
	case radius.CodeAccessReject:
	default:
		return nil, fmt.Errorf("unexpected RADIUS response code: %d", response.Code)
	}
	if msg, err := rfc2865.ReplyMessage_LookupString(response); err == nil {
		result.ReplyMessage = msg
	}

	return result, nil
}

func (p *Prober) getServer() ServerConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.servers[p.currentIdx]
}

func (p *Prober) nextServer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentIdx = (p.currentIdx + 1) % len(p.servers)
}

// addMessageAuthenticator adds RFC 2869 Message-Authenticator
func addMessageAuthenticator(packet *radius.Packet, secret []byte) error {
	rfc2869.MessageAuthenticator_Del(packet)
	rfc2869.MessageAuthenticator_Set(packet, make([]byte, 16))

	encoded, err := packet.Encode()
	if err != nil {
		return err
	}

	hash := hmac.New(md5.New, secret)
	hash.Write(encoded)
	rfc2869.MessageAuthenticator_Set(packet, hash.Sum(nil))

	return nil
}
