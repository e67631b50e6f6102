package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goodieshq/graphmailer/pkg/auth"
)

const (
	DefaultMaxSize       = 25 * 1024 * 1024 // Graph rejects sendMail payloads above roughly this size
	DefaultMaxRecipients = 100
	DefaultReadTimeout   = 10 * time.Second
)

type RecvConfig struct {
	RecvGlobalConfig `yaml:",inline"`
	Listeners        []ListenerConfig `yaml:"listeners"`
}

type RecvGlobalConfig struct {
	Domain        string             `yaml:"domain,omitempty"`
	AllowedIPs    []string           `yaml:"allowed_ips"`
	AllowedNets   []net.IPNet        `yaml:"-"`
	Auth          AuthRule           `yaml:"auth"`
	Authenticator auth.Authenticator `yaml:"-"`
	ValidFrom     MailPolicy         `yaml:"valid_from"`
	ValidTo       MailPolicy         `yaml:"valid_to"`
	Limits        RecvLimits         `yaml:"limits,omitempty"`
}

type ListenerConfig struct {
	Name        string       `yaml:"name"`
	Port        uint16       `yaml:"port"`
	Type        ListenerType `yaml:"type"`
	RequireAuth bool         `yaml:"require_auth"`
	TLS         *TLSConfig   `yaml:"tls,omitempty"`
	TLSConfig   *tls.Config  `yaml:"-"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AuthRule struct {
	Mode        AuthMode     `yaml:"mode"`
	Credentials []Credential `yaml:"credentials,omitempty"`
}

// Represents a username and a password (or bcrypt hash in plain-bcrypt mode) for authentication.
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type MailPolicy struct {
	Addresses []string `yaml:"addresses,omitempty"`
	Domains   []string `yaml:"domains,omitempty"`
}

// Empty reports whether the policy allows everything.
func (p MailPolicy) Empty() bool {
	return len(p.Addresses) == 0 && len(p.Domains) == 0
}

// Allows reports whether addr matches a listed address or domain. An empty policy allows everything.
func (p MailPolicy) Allows(addr string) bool {
	if p.Empty() {
		return true
	}
	for _, a := range p.Addresses {
		if strings.EqualFold(addr, a) {
			return true
		}
	}
	lower := strings.ToLower(addr)
	for _, dom := range p.Domains {
		if strings.HasSuffix(lower, "@"+strings.ToLower(dom)) {
			return true
		}
	}
	return false
}

type RecvLimits struct {
	MaxSize       int           `yaml:"max_size,omitempty"`       // Maximum message size in bytes
	MaxRecipients int           `yaml:"max_recipients,omitempty"` // Maximum number of recipients per message
	Timeout       time.Duration `yaml:"timeout,omitempty"`        // Read timeout duration (e.g., "10s")
}

func (r *RecvConfig) validate() error {
	if len(r.Listeners) == 0 {
		return errors.New("recv.listeners: at least one listener must be defined")
	}

	seenNames := make(map[string]int)
	seenPorts := make(map[uint16]string)

	for i := range r.Listeners {
		listener := &r.Listeners[i]
		prefix := fmt.Sprintf("recv.listeners[%d]: ", i)

		if listener.Name == "" {
			return errors.New(prefix + "name: must be defined")
		}
		if other, exists := seenNames[listener.Name]; exists {
			return fmt.Errorf(prefix+"name: duplicate listener name '%s' (used by recv.listeners[%d])", listener.Name, other)
		}
		seenNames[listener.Name] = i

		if listener.Port == 0 {
			return fmt.Errorf(prefix+"port: must be a valid TCP port (1-65535), got %d", listener.Port)
		}
		if other, exists := seenPorts[listener.Port]; exists {
			return fmt.Errorf(prefix+"port: duplicate port %d used by '%s'", listener.Port, other)
		}
		seenPorts[listener.Port] = listener.Name

		switch listener.Type {
		case ListenerSMTP:
		case ListenerSMTPS, ListenerSTARTTLS:
			if listener.TLS == nil || listener.TLS.CertFile == "" || listener.TLS.KeyFile == "" {
				return fmt.Errorf(prefix+"tls: TLS configuration must be provided for listener type '%s'", listener.Type)
			}
			cert, err := tls.LoadX509KeyPair(listener.TLS.CertFile, listener.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf(prefix+"tls: failed to load key pair: %v", err)
			}
			listener.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		default:
			return fmt.Errorf(prefix+"type: invalid listener type '%s', must be one of: 'smtp', 'smtps', or 'starttls'", listener.Type)
		}
	}

	if err := r.validateAuth(); err != nil {
		return err
	}
	if err := r.ValidFrom.validate("recv.valid_from"); err != nil {
		return err
	}
	if err := r.ValidTo.validate("recv.valid_to"); err != nil {
		return err
	}

	if len(r.AllowedIPs) > 0 {
		r.AllowedNets = r.AllowedNets[:0]
		for i, ip := range r.AllowedIPs {
			if ip == "" {
				return fmt.Errorf("recv.allowed_ips[%d]: IP address or CIDR must be defined", i)
			}
			n, err := ParseNet(ip)
			if err != nil {
				return fmt.Errorf("recv.allowed_ips[%d]: invalid IP address or CIDR '%s': %v", i, ip, err)
			}
			r.AllowedNets = append(r.AllowedNets, *n)
		}
	} else {
		r.AllowedNets = []net.IPNet{
			{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},  // allow all IPv4
			{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}, // allow all IPv6
		}
	}

	return r.Limits.validate()
}

func (r *RecvConfig) validateAuth() error {
	switch r.Auth.Mode {
	case AuthDisabled, AuthAnonymous, AuthPlainAny:
		r.Authenticator = auth.NewAuthenticatorAlwaysAllow()
	case AuthPlain, AuthPlainBcrypt:
		if len(r.Auth.Credentials) == 0 {
			return fmt.Errorf("recv.auth.credentials: at least one credential must be defined for '%s' authentication mode", r.Auth.Mode)
		}
		creds := make(map[string]string, len(r.Auth.Credentials))
		for i, cred := range r.Auth.Credentials {
			if cred.Username == "" || cred.Password == "" {
				return fmt.Errorf("recv.auth.credentials[%d]: username and password must be defined", i)
			}
			if _, dup := creds[cred.Username]; dup {
				return fmt.Errorf("recv.auth.credentials[%d]: duplicate username '%s'", i, cred.Username)
			}
			creds[cred.Username] = cred.Password
		}
		if r.Auth.Mode == AuthPlainBcrypt {
			a, err := auth.NewAuthenticatorHashed(creds)
			if err != nil {
				return fmt.Errorf("recv.auth.credentials: %v", err)
			}
			r.Authenticator = a
		} else {
			r.Authenticator = auth.NewAuthenticatorPlaintext(creds)
		}
	default:
		return fmt.Errorf("recv.auth.mode: invalid authentication mode '%s', must be one of: 'disabled', 'anonymous', 'plain', 'plain-bcrypt', or 'plain-any'", r.Auth.Mode)
	}
	return nil
}

func (p MailPolicy) validate(prefix string) error {
	for i, addr := range p.Addresses {
		if addr == "" {
			return fmt.Errorf("%s.addresses[%d]: address must be defined", prefix, i)
		}
		if !isValidEmail(addr) {
			return fmt.Errorf("%s.addresses[%d]: invalid email address '%s'", prefix, i, addr)
		}
	}
	for i, dom := range p.Domains {
		if dom == "" {
			return fmt.Errorf("%s.domains[%d]: domain must be defined", prefix, i)
		}
		if !isValidDomain(dom) {
			return fmt.Errorf("%s.domains[%d]: invalid domain '%s'", prefix, i, dom)
		}
	}
	return nil
}

func (l *RecvLimits) validate() error {
	if l.MaxSize < 0 {
		return fmt.Errorf("recv.limits.max_size: must be a non-negative integer, got %d", l.MaxSize)
	}
	if l.MaxSize == 0 {
		l.MaxSize = DefaultMaxSize
	}

	if l.MaxRecipients < 0 {
		return fmt.Errorf("recv.limits.max_recipients: must be a non-negative integer, got %d", l.MaxRecipients)
	}
	if l.MaxRecipients == 0 {
		l.MaxRecipients = DefaultMaxRecipients
	}

	if l.Timeout < 0 {
		return fmt.Errorf("recv.limits.timeout: must be a non-negative duration, got %s", l.Timeout.String())
	}
	if l.Timeout == 0 {
		l.Timeout = DefaultReadTimeout
	}
	return nil
}
