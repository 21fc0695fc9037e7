package disconnect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// SNMPConfig configures the SNMP channel. The disconnect is an SNMP SET of
// an integer on OIDPrefix indexed by the username as an SMI string index.
type SNMPConfig struct {
	Community string        `yaml:"community"`
	Port      uint16        `yaml:"port"` // default 161
	OIDPrefix string        `yaml:"oid_prefix"`
	Value     int           `yaml:"value"` // default 1
	Timeout   time.Duration `yaml:"timeout"`
}

// SNMPChannel disconnects through a vendor SNMP SET.
type SNMPChannel struct {
	config SNMPConfig
}

// NewSNMPChannel creates the SNMP channel.
func NewSNMPChannel(config SNMPConfig) (*SNMPChannel, error) {
	if config.OIDPrefix == "" {
		return nil, fmt.Errorf("SNMP OID prefix required")
	}
	if config.Community == "" {
		config.Community = "private"
	}
	if config.Port == 0 {
		config.Port = 161
	}
	if config.Value == 0 {
		config.Value = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	return &SNMPChannel{config: config}, nil
}

// Name implements Channel.
func (c *SNMPChannel) Name() string { return "snmp" }

// Disconnect implements Channel.
func (c *SNMPChannel) Disconnect(ctx context.Context, target Target, reason string) error {
	if target.Username == "" || target.NASAddress == "" {
		return fmt.Errorf("username and NAS address required")
	}
	host := target.NASAddress
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      c.config.Port,
		Community: c.config.Community,
		Version:   gosnmp.Version2c,
		Timeout:   c.config.Timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return fmt.Errorf("snmp connect %s: %w", host, err)
	}
	defer g.Conn.Close()

	oid := c.OID(target.Username)
	res, err := g.Set([]gosnmp.SnmpPDU{{Name: oid, Type: gosnmp.Integer, Value: c.config.Value}})
	if err != nil {
		return fmt.Errorf("snmp set %s: %w", oid, err)
	}
	if res.Error != gosnmp.NoError {
		return fmt.Errorf("snmp set %s: %s", oid, res.Error)
	}
	return nil
}

// OID returns the full OID for a username.
func (c *SNMPChannel) OID(username string) string {
	return strings.TrimSuffix(c.config.OIDPrefix, ".") + "." + stringIndex(username)
}

// stringIndex encodes s as a variable-length SMI string index: the length
// followed by one sub-identifier per byte.
func stringIndex(s string) string {
	parts := make([]string, 0, len(s)+1)
	parts = append(parts, strconv.Itoa(len(s)))
	for i := 0; i < len(s); i++ {
		parts = append(parts, strconv.Itoa(int(s[i])))
	}
	return strings.Join(parts, ".")
}
