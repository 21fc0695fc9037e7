package disconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
)

// RadclientConfig configures the external radclient channel.
type RadclientConfig struct {
	Path   string `yaml:"path"` // default "radclient"
	Secret string `yaml:"secret"`
	Port   int    `yaml:"port"` // default 3799
}

// runFunc runs a command with stdin and returns combined output.
type runFunc func(ctx context.Context, name string, args []string, stdin string) ([]byte, error)

// RadclientChannel shells out to FreeRADIUS radclient for sites where the
// NAS only accepts requests from a tool it already trusts.
type RadclientChannel struct {
	config RadclientConfig
	run    runFunc
}

// NewRadclientChannel creates the radclient channel.
func NewRadclientChannel(config RadclientConfig) *RadclientChannel {
	if config.Path == "" {
		config.Path = "radclient"
	}
	if config.Port == 0 {
		config.Port = 3799
	}
	return &RadclientChannel{config: config, run: execRun}
}

// Name implements Channel.
func (c *RadclientChannel) Name() string { return "radclient" }

// Disconnect implements Channel.
func (c *RadclientChannel) Disconnect(ctx context.Context, target Target, reason string) error {
	if target.NASAddress == "" {
		return fmt.Errorf("NAS address required")
	}
	addr := target.NASAddress
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(c.config.Port))
	}

	args := []string{"-x", "-r", "1", addr, "disconnect", c.config.Secret}
	out, err := c.run(ctx, c.config.Path, args, radclientInput(target))
	if err != nil {
		return fmt.Errorf("radclient failed: %w: %s", err, firstLine(out))
	}
	return parseRadclientOutput(out)
}

func radclientInput(t Target) string {
	var b strings.Builder
	if t.Username != "" {
		fmt.Fprintf(&b, "User-Name = %q\n", t.Username)
	}
	if t.SessionID != "" {
		fmt.Fprintf(&b, "Acct-Session-Id = %q\n", t.SessionID)
	}
	if t.FramedIP != nil {
		fmt.Fprintf(&b, "Framed-IP-Address = %s\n", t.FramedIP)
	}
	return b.String()
}

func parseRadclientOutput(out []byte) error {
	switch {
	case bytes.Contains(out, []byte("Disconnect-ACK")):
		return nil
	case bytes.Contains(out, []byte("Disconnect-NAK")):
		return errors.New("disconnect NAK from NAS")
	default:
		return fmt.Errorf("no reply from NAS: %s", firstLine(out))
	}
}

func firstLine(out []byte) string {
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}

func execRun(ctx context.Context, name string, args []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	return cmd.CombinedOutput()
}
