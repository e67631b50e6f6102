package config

import (
	"fmt"
	"net"
	"net/mail"
	"strings"
)

// ParseNet accepts a bare IP (as a host network) or a CIDR.
func ParseNet(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty address or CIDR")
	}

	if ip := net.ParseIP(s); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			mask := net.CIDRMask(32, 32)
			return &net.IPNet{IP: ip4.Mask(mask), Mask: mask}, nil
		}
		mask := net.CIDRMask(128, 128)
		return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
	}

	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, err
	}
	ipnet.IP = ip.Mask(ipnet.Mask)
	return ipnet, nil
}

// isValidEmail accepts a bare addr-spec only, no display name.
func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && addr.Name == ""
}

func isValidDomain(domain string) bool {
	if len(domain) < 1 || len(domain) > 253 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}
