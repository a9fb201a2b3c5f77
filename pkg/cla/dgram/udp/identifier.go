// SPDX-FileCopyrightText: 2026 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package udp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// EncodeIdentifier creates a peer identifier like "ip=fe80::1%eth0;port=5551;".
func EncodeIdentifier(addr *net.UDPAddr) string {
	ip := addr.IP.String()
	if addr.Zone != "" {
		ip += "%" + addr.Zone
	}
	return fmt.Sprintf("ip=%s;port=%d;", ip, addr.Port)
}

// DecodeIdentifier parses a peer identifier created by EncodeIdentifier.
func DecodeIdentifier(identifier string) (*net.UDPAddr, error) {
	var (
		addr    = &net.UDPAddr{}
		hasIP   bool
		hasPort bool
	)

	for _, field := range strings.Split(identifier, ";") {
		if field == "" {
			continue
		}

		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed field %q in identifier %q", field, identifier)
		}

		switch kv[0] {
		case "ip":
			ip, zone := kv[1], ""
			if i := strings.LastIndex(ip, "%"); i >= 0 {
				ip, zone = ip[:i], ip[i+1:]
			}

			if addr.IP = net.ParseIP(ip); addr.IP == nil {
				return nil, fmt.Errorf("invalid IP address %q in identifier %q", kv[1], identifier)
			}
			addr.Zone = zone
			hasIP = true

		case "port":
			port, err := strconv.ParseUint(kv[1], 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port in identifier %q: %w", identifier, err)
			}
			addr.Port = int(port)
			hasPort = true
		}
	}

	if !hasIP || !hasPort {
		return nil, fmt.Errorf("identifier %q lacks IP address or port", identifier)
	}
	return addr, nil
}
