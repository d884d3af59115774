package domain

import (
	"fmt"
	"strings"
)

// Defaults carried over from the original registration and run forms.
const (
	DefaultHost       = "www.coshx.co.uk"
	DefaultPort       = 5222
	DefaultIdentity   = "simon@collab.coshx"
	DefaultNumberRuns = 10 * 1000
	MaxNumberRuns     = 5000000
)

// Descriptor holds what is needed to open a connection to the collab service.
// It is immutable once a connection attempt is in flight.
type Descriptor struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Identity   string `json:"identity"`
	Credential string `json:"-"`
}

// Validate checks the descriptor fields.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", d.Port)
	}
	if strings.TrimSpace(d.Identity) == "" {
		return fmt.Errorf("identity is required")
	}
	return nil
}

// Address returns host:port.
func (d Descriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// String never includes the credential.
func (d Descriptor) String() string {
	return fmt.Sprintf("host [%s], port [%d], jid [%s]", d.Host, d.Port, d.Identity)
}

// JobSpec describes a run request. The portfolio is opaque to the harness.
type JobSpec struct {
	Portfolio  string `json:"portfolio"`
	Output     string `json:"output,omitempty"`
	NumberRuns int    `json:"number_runs"`
	Label      string `json:"label,omitempty"`
}

// Validate checks the job fields.
func (j JobSpec) Validate() error {
	if strings.TrimSpace(j.Portfolio) == "" {
		return fmt.Errorf("portfolio is required")
	}
	if j.NumberRuns <= 0 {
		return fmt.Errorf("number_runs must be positive, got %d", j.NumberRuns)
	}
	return nil
}
