package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// TunnelConfig forwards the descriptor's channel ports over SSH for kernels
// running on a remote host. Disabled by default; enabled explicitly by
// configuration, never by probing.
type TunnelConfig struct {
	Enabled        bool
	Addr           string
	User           string
	PrivateKeyFile string
	KnownHostsFile string
	DialTimeout    time.Duration
}

func (c TunnelConfig) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("kernel: tunnel addr required")
	}
	if strings.TrimSpace(c.User) == "" {
		return fmt.Errorf("kernel: tunnel user required")
	}
	if strings.TrimSpace(c.PrivateKeyFile) == "" {
		return fmt.Errorf("kernel: tunnel private key file required")
	}
	if strings.TrimSpace(c.KnownHostsFile) == "" {
		return fmt.Errorf("kernel: tunnel known hosts file required")
	}
	return nil
}

// openTunnels forwards the shell and iopub ports to local listeners and
// returns a rewritten descriptor pointing at them.
func openTunnels(ctx context.Context, desc ConnectionDescriptor, cfg TunnelConfig) (ConnectionDescriptor, io.Closer, error) {
	if err := cfg.validate(); err != nil {
		return ConnectionDescriptor{}, nil, err
	}
	if desc.Transport != TransportTCP {
		return ConnectionDescriptor{}, nil, fmt.Errorf("kernel: tunneling requires tcp transport, have %q", desc.Transport)
	}

	clientCfg, err := tunnelClientConfig(cfg)
	if err != nil {
		return ConnectionDescriptor{}, nil, err
	}
	client, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
	if err != nil {
		return ConnectionDescriptor{}, nil, fmt.Errorf("kernel: tunnel dial %s: %w", cfg.Addr, err)
	}

	t := &tunnel{client: client}
	shellPort, err := t.forward(fmt.Sprintf("%s:%d", desc.IP, desc.ShellPort))
	if err != nil {
		_ = t.Close()
		return ConnectionDescriptor{}, nil, err
	}
	iopubPort, err := t.forward(fmt.Sprintf("%s:%d", desc.IP, desc.IOPubPort))
	if err != nil {
		_ = t.Close()
		return ConnectionDescriptor{}, nil, err
	}

	tunneled := desc
	tunneled.IP = "127.0.0.1"
	tunneled.ShellPort = shellPort
	tunneled.IOPubPort = iopubPort
	log.Info().Str("via", cfg.Addr).Int("shell", shellPort).Int("iopub", iopubPort).Msg("kernel channel ports tunneled")
	return tunneled, t, nil
}

func tunnelClientConfig(cfg TunnelConfig) (*ssh.ClientConfig, error) {
	keyPEM, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("kernel: tunnel key load: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("kernel: tunnel key parse: %w", err)
	}
	hostKeys, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("kernel: tunnel known hosts: %w", err)
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

type tunnel struct {
	client    *ssh.Client
	listeners []net.Listener
}

// forward opens a local listener whose connections are piped to remoteAddr
// through the SSH client. Returns the bound local port.
func (t *tunnel) forward(remoteAddr string) (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("kernel: tunnel listen: %w", err)
	}
	t.listeners = append(t.listeners, ln)
	go t.serve(ln, remoteAddr)
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (t *tunnel) serve(ln net.Listener, remoteAddr string) {
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			remote, err := t.client.Dial("tcp", remoteAddr)
			if err != nil {
				log.Warn().Err(err).Str("remote", remoteAddr).Msg("tunnel remote dial failed")
				_ = local.Close()
				return
			}
			pipe(local, remote)
		}()
	}
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}

func (t *tunnel) Close() error {
	var errs []error
	for _, ln := range t.listeners {
		errs = append(errs, ln.Close())
	}
	errs = append(errs, t.client.Close())
	return errors.Join(errs...)
}
