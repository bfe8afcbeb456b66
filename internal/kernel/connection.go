package kernel

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Transport kinds accepted in a connection descriptor.
const (
	TransportTCP = "tcp"
	TransportIPC = "ipc"
)

// ConnectionDescriptor is the kernel connection file: channel ports, host,
// transport kind, and the shared signing key. Loaded once at connect and
// read-only for the life of a session. The stdin, control, and heartbeat
// ports are carried but unused by this client.
type ConnectionDescriptor struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// LoadConnectionDescriptor reads and validates a kernel connection file.
func LoadConnectionDescriptor(path string) (ConnectionDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionDescriptor{}, fmt.Errorf("kernel: connection file load failed (%s): %w", path, err)
	}
	var desc ConnectionDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return ConnectionDescriptor{}, fmt.Errorf("kernel: connection file parse failed (%s): %w", path, err)
	}
	if err := desc.Validate(); err != nil {
		return ConnectionDescriptor{}, err
	}
	return desc, nil
}

func (d ConnectionDescriptor) Validate() error {
	if strings.TrimSpace(d.IP) == "" {
		return fmt.Errorf("kernel: connection descriptor missing ip")
	}
	switch d.Transport {
	case TransportTCP, TransportIPC:
	default:
		return fmt.Errorf("kernel: unsupported transport %q", d.Transport)
	}
	if d.ShellPort <= 0 {
		return fmt.Errorf("kernel: connection descriptor missing shell_port")
	}
	if d.IOPubPort <= 0 {
		return fmt.Errorf("kernel: connection descriptor missing iopub_port")
	}
	if d.Key != "" && strings.TrimSpace(d.SignatureScheme) == "" {
		return fmt.Errorf("kernel: signing key present but signature_scheme missing")
	}
	return nil
}

// ShellEndpoint is the point-to-point request channel address.
func (d ConnectionDescriptor) ShellEndpoint() string {
	return d.endpoint(d.ShellPort)
}

// IOPubEndpoint is the broadcast channel address.
func (d ConnectionDescriptor) IOPubEndpoint() string {
	return d.endpoint(d.IOPubPort)
}

func (d ConnectionDescriptor) endpoint(port int) string {
	if d.Transport == TransportIPC {
		return fmt.Sprintf("ipc://%s-%d", d.IP, port)
	}
	return fmt.Sprintf("tcp://%s:%d", d.IP, port)
}
